// Package risk evaluates order intents against the configured limits before
// they reach the execution venue.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/schema"
)

// Limits defines the risk parameters for a single run. Read-only once the run
// starts.
type Limits struct {
	// MaxDrawdown is the fractional equity decline from the high-water-mark
	// beyond which new increasing orders are rejected. Zero disables the check.
	MaxDrawdown float64 `yaml:"max_drawdown"`

	// PositionSizePct caps the resulting position value as a fraction of
	// equity. Zero disables the check.
	PositionSizePct float64 `yaml:"position_size_pct"`

	// OrderThrottle is the maximum rate of orders per second. Zero disables
	// the throttle; backtests leave it unset so replay stays deterministic.
	OrderThrottle float64 `yaml:"order_throttle"`
}

// Decision is the gate's verdict on one intent.
type Decision struct {
	Allowed bool
	Reason  schema.RejectionReason
	Detail  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func reject(reason schema.RejectionReason, detail string) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}

// Gate applies the checks in a fixed order so the first failing check is
// always reported deterministically: position size, then drawdown, then
// throttle.
type Gate struct {
	maxDrawdown     decimal.Decimal
	positionSizePct decimal.Decimal
	limiter         *rate.Limiter
}

// NewGate creates a gate with static limits.
func NewGate(limits Limits) *Gate {
	g := &Gate{
		maxDrawdown:     decimal.NewFromFloat(limits.MaxDrawdown),
		positionSizePct: decimal.NewFromFloat(limits.PositionSizePct),
		limiter:         nil,
	}
	if limits.OrderThrottle > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(limits.OrderThrottle), 1)
	}
	return g
}

// Evaluate checks one intent against the current account snapshot. It never
// mutates anything; rejections flow back to the strategy as observable
// events.
func (g *Gate) Evaluate(intent schema.OrderIntent, snap ledger.Snapshot) Decision {
	if err := intent.Validate(); err != nil {
		return reject(schema.RejectInvalid, err.Error())
	}

	pos := snap.Position(intent.Symbol)
	signedQty := intent.Quantity.Mul(intent.Side.Sign())
	newQty := pos.Quantity.Add(signedQty)
	increasing := newQty.Abs().GreaterThan(pos.Quantity.Abs())

	if g.positionSizePct.IsPositive() && increasing {
		ref := g.referencePrice(intent, snap)
		if ref.IsPositive() {
			if snap.Equity.LessThanOrEqual(decimal.Zero) {
				return reject(schema.RejectPositionSize, "equity exhausted")
			}
			resulting := newQty.Abs().Mul(ref)
			limit := snap.Equity.Mul(g.positionSizePct)
			if resulting.GreaterThan(limit) {
				return reject(schema.RejectPositionSize,
					fmt.Sprintf("resulting position %s exceeds %s of equity (%s)",
						resulting, g.positionSizePct, limit))
			}
		}
	}

	if g.maxDrawdown.IsPositive() && increasing {
		if dd := snap.Drawdown(); dd.GreaterThan(g.maxDrawdown) {
			return reject(schema.RejectDrawdown,
				fmt.Sprintf("drawdown %s exceeds limit %s", dd, g.maxDrawdown))
		}
	}

	if g.limiter != nil && !g.limiter.Allow() {
		return reject(schema.RejectThrottle, "order rate limit exceeded")
	}

	return allow()
}

// referencePrice picks the price used to value the resulting position: the
// limit price when present, otherwise the latest mark.
func (g *Gate) referencePrice(intent schema.OrderIntent, snap ledger.Snapshot) decimal.Decimal {
	if intent.LimitPrice != nil {
		return *intent.LimitPrice
	}
	if mark, ok := snap.MarkPrices[intent.Symbol]; ok {
		return mark
	}
	return decimal.Zero
}
