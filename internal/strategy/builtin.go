package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/schema"
)

// Noop consumes events and never trades. Useful for feed validation runs.
type Noop struct {
	Base
}

func (Noop) Name() string { return "noop" }

// SMACrossConfig tunes the moving average crossover strategy.
type SMACrossConfig struct {
	FastWindow int             `yaml:"fast_window"`
	SlowWindow int             `yaml:"slow_window"`
	Quantity   decimal.Decimal `yaml:"quantity"`
}

func (c SMACrossConfig) withDefaults() SMACrossConfig {
	if c.FastWindow <= 0 {
		c.FastWindow = 5
	}
	if c.SlowWindow <= c.FastWindow {
		c.SlowWindow = c.FastWindow * 4
	}
	if c.Quantity.LessThanOrEqual(decimal.Zero) {
		c.Quantity = decimal.NewFromInt(1)
	}
	return c
}

// SMACross trades a simple moving average crossover per symbol: it goes long
// when the fast average crosses above the slow one and flattens on the cross
// back down. Positions are opened with market orders sized by config.
type SMACross struct {
	Base

	cfg     SMACrossConfig
	symbols map[string]*smaState
}

type smaState struct {
	closes []decimal.Decimal
	long   bool
}

// NewSMACross builds the strategy with defaults applied.
func NewSMACross(cfg SMACrossConfig) *SMACross {
	return &SMACross{
		cfg:     cfg.withDefaults(),
		symbols: make(map[string]*smaState),
	}
}

func (s *SMACross) Name() string { return "sma-cross" }

func (s *SMACross) OnEvent(ctx context.Context, sctx Context, evt *schema.Event) error {
	if evt.Kind != schema.EventKindBar {
		return nil
	}

	state := s.symbols[evt.Symbol]
	if state == nil {
		state = &smaState{}
		s.symbols[evt.Symbol] = state
	}

	state.closes = append(state.closes, evt.Bar.Close)
	if len(state.closes) > s.cfg.SlowWindow {
		state.closes = state.closes[len(state.closes)-s.cfg.SlowWindow:]
	}
	if len(state.closes) < s.cfg.SlowWindow {
		return nil
	}

	fast := average(state.closes[len(state.closes)-s.cfg.FastWindow:])
	slow := average(state.closes)

	switch {
	case fast.GreaterThan(slow) && !state.long:
		state.long = true
		return sctx.Submit(marketOrder(sctx, evt.Symbol, schema.TradeSideBuy, s.cfg.Quantity, sctx.Now()))
	case fast.LessThan(slow) && state.long:
		state.long = false
		return sctx.Submit(marketOrder(sctx, evt.Symbol, schema.TradeSideSell, s.cfg.Quantity, sctx.Now()))
	}
	return nil
}

func (s *SMACross) OnRejection(_ context.Context, _ Context, rejection schema.Rejection) {
	// A rejected entry means the position never opened; realign state so the
	// next cross can retry instead of waiting for a full round trip.
	state := s.symbols[rejection.Intent.Symbol]
	if state == nil {
		return
	}
	if rejection.Intent.Side == schema.TradeSideBuy {
		state.long = false
	} else {
		state.long = true
	}
}

func average(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

func marketOrder(sctx Context, symbol string, side schema.TradeSide, qty decimal.Decimal, at time.Time) schema.OrderIntent {
	return schema.OrderIntent{
		ClientOrderID: sctx.NextOrderID(),
		Symbol:        symbol,
		Side:          side,
		Type:          schema.OrderTypeMarket,
		Quantity:      qty,
		TimeInForce:   schema.TimeInForceGTC,
		IssuedAt:      at,
	}
}
