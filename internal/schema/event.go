// Package schema defines the canonical event and order shapes flowing through
// the simulation kernel.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/errs"
)

// EventKind identifies the market event categories the kernel understands.
type EventKind string

const (
	// EventKindBar is an aggregated OHLCV record over an interval.
	EventKindBar EventKind = "BAR"
	// EventKindTick is a single trade or quote observation.
	EventKindTick EventKind = "TICK"
)

// TradeSide describes order or trade direction.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s TradeSide) Sign() decimal.Decimal {
	if s == TradeSideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Validate ensures the side is one of the recognized values.
func (s TradeSide) Validate() error {
	switch s {
	case TradeSideBuy, TradeSideSell:
		return nil
	default:
		return errs.New("schema/side", errs.KindData, errs.WithMessage("unknown trade side "+string(s)))
	}
}

// BarPayload carries OHLCV data for EventKindBar.
type BarPayload struct {
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Interval time.Duration
}

// Validate checks the internal consistency of the bar range.
func (b BarPayload) Validate() error {
	if b.High.LessThan(b.Low) {
		return errs.New("schema/bar", errs.KindData, errs.WithMessage("bar high below low"))
	}
	if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) {
		return errs.New("schema/bar", errs.KindData, errs.WithMessage("bar open outside range"))
	}
	if b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
		return errs.New("schema/bar", errs.KindData, errs.WithMessage("bar close outside range"))
	}
	if b.Volume.IsNegative() {
		return errs.New("schema/bar", errs.KindData, errs.WithMessage("bar volume negative"))
	}
	return nil
}

// TickPayload carries a single trade print for EventKindTick.
type TickPayload struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Side  TradeSide
}

// Validate checks the tick fields.
func (t TickPayload) Validate() error {
	if t.Price.LessThanOrEqual(decimal.Zero) {
		return errs.New("schema/tick", errs.KindData, errs.WithMessage("tick price must be positive"))
	}
	if t.Size.IsNegative() {
		return errs.New("schema/tick", errs.KindData, errs.WithMessage("tick size negative"))
	}
	return t.Side.Validate()
}

// Event is one timestamped market observation delivered to the runner.
// Timestamps are UTC and non-decreasing within one feed.
type Event struct {
	Timestamp time.Time
	Symbol    string
	Kind      EventKind
	Bar       *BarPayload
	Tick      *TickPayload
}

// Validate verifies the event shape matches its kind.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.KindData, errs.WithMessage("nil event"))
	}
	if strings.TrimSpace(e.Symbol) == "" {
		return errs.New("schema/event", errs.KindData, errs.WithMessage("event symbol required"))
	}
	if e.Timestamp.IsZero() {
		return errs.New("schema/event", errs.KindData, errs.WithSymbol(e.Symbol), errs.WithMessage("event timestamp required"))
	}
	switch e.Kind {
	case EventKindBar:
		if e.Bar == nil {
			return errs.New("schema/event", errs.KindData, errs.WithSymbol(e.Symbol), errs.WithMessage("bar event missing payload"))
		}
		return e.Bar.Validate()
	case EventKindTick:
		if e.Tick == nil {
			return errs.New("schema/event", errs.KindData, errs.WithSymbol(e.Symbol), errs.WithMessage("tick event missing payload"))
		}
		return e.Tick.Validate()
	default:
		return errs.New("schema/event", errs.KindData, errs.WithSymbol(e.Symbol), errs.WithMessage("unknown event kind "+string(e.Kind)))
	}
}

// MarkPrice returns the price used for mark-to-market after this event:
// a bar marks at its close, a tick at its trade price.
func (e *Event) MarkPrice() (decimal.Decimal, bool) {
	switch e.Kind {
	case EventKindBar:
		if e.Bar != nil {
			return e.Bar.Close, true
		}
	case EventKindTick:
		if e.Tick != nil {
			return e.Tick.Price, true
		}
	}
	return decimal.Zero, false
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := &Event{
		Timestamp: e.Timestamp,
		Symbol:    e.Symbol,
		Kind:      e.Kind,
		Bar:       nil,
		Tick:      nil,
	}
	if e.Bar != nil {
		bar := *e.Bar
		out.Bar = &bar
	}
	if e.Tick != nil {
		tick := *e.Tick
		out.Tick = &tick
	}
	return out
}
