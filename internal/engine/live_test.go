package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/clock"
	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/risk"
	"github.com/quantrail/quantrail/internal/schema"
	"github.com/quantrail/quantrail/internal/venue"
)

// echoAdapter fills every order at a fixed price and, to mimic a flaky
// upstream, notifies each fill twice.
type echoAdapter struct {
	venue *venue.Live
	price decimal.Decimal
}

func (a *echoAdapter) SubmitOrder(_ context.Context, intent schema.OrderIntent) error {
	fill := schema.Fill{
		VenueFillID:   "ex-" + intent.ClientOrderID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		Price:         a.price,
		Fee:           decimal.Zero,
		Timestamp:     intent.IssuedAt,
	}
	_ = a.venue.HandleNotification(fill)
	_ = a.venue.HandleNotification(fill)
	return nil
}

func (a *echoAdapter) CancelOrder(context.Context, string) error { return nil }

func TestLiveDuplicateFillLeavesLedgerUnchanged(t *testing.T) {
	adapter := &echoAdapter{price: decimal.NewFromInt(100)}
	lv := venue.NewLive(adapter)
	adapter.venue = lv

	bars := []*schema.Event{
		mkBar(1, 100, 101, 99, 100),
		mkBar(2, 100, 101, 99, 100),
	}
	strat := &scripted{orders: map[int][]schema.OrderIntent{
		0: {marketIntent(schema.TradeSideBuy, 10)},
	}}

	r, err := NewRunner(Config{
		Mode:     ModeLive,
		Strategy: strat,
		Feed:     &sliceFeed{events: bars},
		Venue:    lv,
		Ledger:   ledger.New(ledger.Config{InitialCash: decimal.NewFromInt(10_000)}),
		Gate:     risk.NewGate(risk.Limits{}),
		Clock:    clock.NewVirtual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateFinished {
		t.Fatalf("expected finished, got %s", report.FinalState)
	}
	if len(report.Fills) != 1 {
		t.Fatalf("duplicate notification must collapse to one fill, got %d", len(report.Fills))
	}
	if !report.Final.Cash.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("expected cash 9000, got %s", report.Final.Cash)
	}
	pos := report.Final.Position("BTC-USD")
	if !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected position 10, got %s", pos.Quantity)
	}
}
