// Package ledger owns cash, positions, and realized/unrealized P&L for one
// run. Fills are the only mutation path; every observation goes through an
// immutable snapshot.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/schema"
)

// Position is the signed holding in a single instrument under average-cost
// accounting.
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
	// AvgCost is the weighted-average entry price of the open quantity.
	AvgCost decimal.Decimal
}

// MarketValue returns quantity times the supplied mark price.
func (p Position) MarketValue(mark decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(mark)
}

// Snapshot is an immutable view of the ledger handed to strategies and the
// risk gate. Realized P&L is net of fees so that
// cash + Σ(qty × mark) == initial cash + realized + unrealized holds at every
// observation point.
type Snapshot struct {
	AsOf          time.Time
	Cash          decimal.Decimal
	Positions     map[string]Position
	MarkPrices    map[string]decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Equity        decimal.Decimal
	HighWaterMark decimal.Decimal
	FeesPaid      decimal.Decimal
}

// Position returns the position for symbol, or a zero position.
func (s Snapshot) Position(symbol string) Position {
	if p, ok := s.Positions[symbol]; ok {
		return p
	}
	return Position{Symbol: symbol, Quantity: decimal.Zero, AvgCost: decimal.Zero}
}

// Drawdown returns the fractional decline of equity from its high-water-mark.
func (s Snapshot) Drawdown() decimal.Decimal {
	if s.HighWaterMark.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if s.Equity.GreaterThanOrEqual(s.HighWaterMark) {
		return decimal.Zero
	}
	return s.HighWaterMark.Sub(s.Equity).Div(s.HighWaterMark)
}

// Config controls ledger behaviour for one run.
type Config struct {
	InitialCash   decimal.Decimal
	MarginEnabled bool
}

// Ledger applies fills and tracks account state. Not safe for concurrent use:
// the runner serializes every mutation (see the concurrency notes in the
// engine package).
type Ledger struct {
	cfg        Config
	cash       decimal.Decimal
	positions  map[string]Position
	lastPrices map[string]decimal.Decimal
	realized   decimal.Decimal
	fees       decimal.Decimal
	peakEquity decimal.Decimal

	appliedFills map[string]struct{}
}

// New constructs a ledger with the configured opening balance.
func New(cfg Config) *Ledger {
	led := &Ledger{
		cfg:          cfg,
		cash:         cfg.InitialCash,
		positions:    make(map[string]Position),
		lastPrices:   make(map[string]decimal.Decimal),
		realized:     decimal.Zero,
		fees:         decimal.Zero,
		peakEquity:   cfg.InitialCash,
		appliedFills: make(map[string]struct{}),
	}
	return led
}

// ApplyFill applies one fill atomically: either the full cash, position, and
// P&L effect lands or the ledger is untouched. Re-applying a venue fill id
// already seen is a no-op, which makes duplicate live notifications harmless.
func (l *Ledger) ApplyFill(fill schema.Fill) error {
	if err := fill.Validate(); err != nil {
		return err
	}
	if _, seen := l.appliedFills[fill.VenueFillID]; seen {
		return nil
	}

	signedQty := fill.Quantity.Mul(fill.Side.Sign())
	notional := fill.Quantity.Mul(fill.Price)

	newCash := l.cash
	if fill.Side == schema.TradeSideBuy {
		newCash = newCash.Sub(notional)
	} else {
		newCash = newCash.Add(notional)
	}
	newCash = newCash.Sub(fill.Fee)

	if !l.cfg.MarginEnabled && newCash.IsNegative() {
		return errs.New("ledger", errs.KindAccounting,
			errs.WithSymbol(fill.Symbol),
			errs.WithOrderID(fill.ClientOrderID),
			errs.WithMessage("fill would drive cash below zero with margin disabled"))
	}

	pos := l.positions[fill.Symbol]
	pos.Symbol = fill.Symbol
	newPos, realizedDelta := applyToPosition(pos, signedQty, fill.Price)

	// All checks passed; commit.
	l.cash = newCash
	l.fees = l.fees.Add(fill.Fee)
	l.realized = l.realized.Add(realizedDelta).Sub(fill.Fee)
	if newPos.Quantity.IsZero() {
		delete(l.positions, fill.Symbol)
	} else {
		l.positions[fill.Symbol] = newPos
	}
	l.lastPrices[fill.Symbol] = fill.Price
	l.appliedFills[fill.VenueFillID] = struct{}{}
	return nil
}

// applyToPosition folds a signed quantity at price into pos and returns the
// updated position plus the gross realized P&L of any reduced quantity.
func applyToPosition(pos Position, signedQty, price decimal.Decimal) (Position, decimal.Decimal) {
	realized := decimal.Zero
	if pos.Quantity.IsZero() || pos.Quantity.Sign() == signedQty.Sign() {
		// Opening or increasing: weighted-average cost basis.
		oldAbs := pos.Quantity.Abs()
		addAbs := signedQty.Abs()
		totalAbs := oldAbs.Add(addAbs)
		if totalAbs.IsPositive() {
			pos.AvgCost = pos.AvgCost.Mul(oldAbs).Add(price.Mul(addAbs)).Div(totalAbs)
		}
		pos.Quantity = pos.Quantity.Add(signedQty)
		return pos, realized
	}

	closing := decimal.Min(pos.Quantity.Abs(), signedQty.Abs())
	direction := decimal.NewFromInt(int64(pos.Quantity.Sign()))
	realized = price.Sub(pos.AvgCost).Mul(closing).Mul(direction)

	remainder := signedQty.Abs().Sub(pos.Quantity.Abs())
	pos.Quantity = pos.Quantity.Add(signedQty)
	if remainder.IsPositive() {
		// Crossed through zero: the surplus opens a new position at the
		// fill price.
		pos.AvgCost = price
	} else if pos.Quantity.IsZero() {
		pos.AvgCost = decimal.Zero
	}
	return pos, realized
}

// MarkToMarket records the latest known price per symbol. Cash and realized
// P&L are untouched; only the unrealized valuation moves.
func (l *Ledger) MarkToMarket(prices map[string]decimal.Decimal) {
	for symbol, price := range prices {
		if price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		l.lastPrices[symbol] = price
	}
}

// ObservePrice records one mark price, the per-event fast path.
func (l *Ledger) ObservePrice(symbol string, price decimal.Decimal) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}
	l.lastPrices[symbol] = price
}

// Snapshot returns an immutable value describing the account as of asOf.
// Taking a snapshot also ratchets the equity high-water-mark.
func (l *Ledger) Snapshot(asOf time.Time) Snapshot {
	unrealized := decimal.Zero
	equity := l.cash
	positions := make(map[string]Position, len(l.positions))
	marks := make(map[string]decimal.Decimal, len(l.lastPrices))

	for symbol, pos := range l.positions {
		positions[symbol] = pos
		mark, ok := l.lastPrices[symbol]
		if !ok {
			mark = pos.AvgCost
		}
		unrealized = unrealized.Add(mark.Sub(pos.AvgCost).Mul(pos.Quantity))
		equity = equity.Add(pos.MarketValue(mark))
	}
	for symbol, price := range l.lastPrices {
		marks[symbol] = price
	}

	if equity.GreaterThan(l.peakEquity) {
		l.peakEquity = equity
	}

	return Snapshot{
		AsOf:          asOf,
		Cash:          l.cash,
		Positions:     positions,
		MarkPrices:    marks,
		RealizedPnL:   l.realized,
		UnrealizedPnL: unrealized,
		Equity:        equity,
		HighWaterMark: l.peakEquity,
		FeesPaid:      l.fees,
	}
}

// FillApplied reports whether the venue fill id has already been applied.
func (l *Ledger) FillApplied(venueFillID string) bool {
	_, ok := l.appliedFills[venueFillID]
	return ok
}
