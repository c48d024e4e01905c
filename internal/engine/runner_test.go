package engine

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/clock"
	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/risk"
	"github.com/quantrail/quantrail/internal/schema"
	"github.com/quantrail/quantrail/internal/strategy"
	"github.com/quantrail/quantrail/internal/venue"
)

// sliceFeed replays a fixed event slice, with optional injected errors.
type sliceFeed struct {
	events []*schema.Event
	errAt  map[int]error
	pos    int
}

func (f *sliceFeed) Next(ctx context.Context) (*schema.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.errAt[f.pos]; ok {
		delete(f.errAt, f.pos)
		return nil, err
	}
	if f.pos >= len(f.events) {
		return nil, io.EOF
	}
	evt := f.events[f.pos]
	f.pos++
	return evt, nil
}

// scripted runs a per-bar order script keyed by event index.
type scripted struct {
	strategy.Base
	orders map[int][]schema.OrderIntent
	seen   int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) OnEvent(_ context.Context, sctx strategy.Context, _ *schema.Event) error {
	defer func() { s.seen++ }()
	for _, intent := range s.orders[s.seen] {
		if intent.ClientOrderID == "" {
			intent.ClientOrderID = sctx.NextOrderID()
		}
		if intent.IssuedAt.IsZero() {
			intent.IssuedAt = sctx.Now()
		}
		if err := sctx.Submit(intent); err != nil {
			return err
		}
	}
	return nil
}

func mkBar(minute int, open, high, low, close float64) *schema.Event {
	return &schema.Event{
		Timestamp: time.Date(2024, 3, 1, 9, minute, 0, 0, time.UTC),
		Symbol:    "BTC-USD",
		Kind:      schema.EventKindBar,
		Bar: &schema.BarPayload{
			Open:     decimal.NewFromFloat(open),
			High:     decimal.NewFromFloat(high),
			Low:      decimal.NewFromFloat(low),
			Close:    decimal.NewFromFloat(close),
			Volume:   decimal.NewFromInt(1000),
			Interval: time.Minute,
		},
	}
}

func marketIntent(side schema.TradeSide, qty int64) schema.OrderIntent {
	return schema.OrderIntent{
		Symbol:      "BTC-USD",
		Side:        side,
		Type:        schema.OrderTypeMarket,
		Quantity:    decimal.NewFromInt(qty),
		TimeInForce: schema.TimeInForceGTC,
	}
}

func newHistoricalRunner(t *testing.T, f *sliceFeed, strat strategy.Strategy, limits risk.Limits, simCfg venue.SimConfig, cash int64) *Runner {
	t.Helper()
	r, err := NewRunner(Config{
		Mode:     ModeHistorical,
		Strategy: strat,
		Feed:     f,
		Venue:    venue.NewSimulated(simCfg),
		Ledger:   ledger.New(ledger.Config{InitialCash: decimal.NewFromInt(cash)}),
		Gate:     risk.NewGate(limits),
		Clock:    clock.NewVirtual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestNextOpenOrderFillsAtNextBarOpen(t *testing.T) {
	bars := []*schema.Event{
		mkBar(1, 100, 101, 99, 100),
		mkBar(2, 102, 106, 101, 105),
		mkBar(3, 96, 97, 94, 95),
	}
	strat := &scripted{orders: map[int][]schema.OrderIntent{
		0: {marketIntent(schema.TradeSideBuy, 10)},
	}}
	r := newHistoricalRunner(t, &sliceFeed{events: bars}, strat, risk.Limits{},
		venue.SimConfig{FillPolicy: venue.FillPolicyNextOpen}, 10_000)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateFinished {
		t.Fatalf("expected finished, got %s", report.FinalState)
	}
	if len(report.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(report.Fills))
	}

	fill := report.Fills[0]
	if !fill.Price.Equal(decimal.NewFromInt(102)) {
		t.Fatalf("expected fill at next bar open 102, got %s", fill.Price)
	}
	if !fill.Timestamp.Equal(bars[1].Timestamp) {
		t.Fatalf("fill must not land on the decision bar, got %v", fill.Timestamp)
	}
	if !report.Final.Cash.Equal(decimal.NewFromInt(10_000 - 1020)) {
		t.Fatalf("unexpected final cash %s", report.Final.Cash)
	}
}

func TestDrawdownBlocksBuysButNotSells(t *testing.T) {
	bars := []*schema.Event{
		mkBar(1, 100, 101, 99, 100),
		mkBar(2, 100, 101, 99, 100),
		mkBar(3, 78, 79, 77, 78),
		mkBar(4, 78, 79, 77, 78),
	}
	strat := &scripted{orders: map[int][]schema.OrderIntent{
		0: {marketIntent(schema.TradeSideBuy, 50)},
		2: {marketIntent(schema.TradeSideBuy, 1), marketIntent(schema.TradeSideSell, 10)},
	}}
	r := newHistoricalRunner(t, &sliceFeed{events: bars}, strat,
		risk.Limits{MaxDrawdown: 0.10},
		venue.SimConfig{FillPolicy: venue.FillPolicyNextOpen}, 10_000)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Equity fell to 8900 against a 10000 high-water-mark, an 11% drawdown.
	if len(report.Rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d: %+v", len(report.Rejections), report.Rejections)
	}
	rej := report.Rejections[0]
	if rej.Reason != schema.RejectDrawdown {
		t.Fatalf("expected drawdown rejection, got %s", rej.Reason)
	}
	if rej.Intent.Side != schema.TradeSideBuy {
		t.Fatalf("the buy should be rejected, got %s", rej.Intent.Side)
	}

	// Entry fill at bar 2 plus the reducing sell at bar 4.
	if len(report.Fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(report.Fills))
	}
	if report.Fills[1].Side != schema.TradeSideSell {
		t.Fatalf("reducing sell must pass the gate, got %s", report.Fills[1].Side)
	}
}

func TestHistoricalRunsAreByteIdentical(t *testing.T) {
	run := func() *Report {
		bars := make([]*schema.Event, 0, 40)
		prices := []float64{100, 101, 103, 102, 104, 107, 105, 103, 100, 98,
			97, 99, 102, 105, 108, 110, 107, 104, 101, 99}
		for i, p := range prices {
			bars = append(bars, mkBar(i+1, p, p+1, p-1, p))
		}
		strat := strategy.NewSMACross(strategy.SMACrossConfig{
			FastWindow: 3, SlowWindow: 6, Quantity: decimal.NewFromInt(5),
		})
		r := newHistoricalRunner(t, &sliceFeed{events: bars}, strat,
			risk.Limits{PositionSizePct: 0.5},
			venue.SimConfig{
				FillPolicy: venue.FillPolicyNextOpen,
				Slippage:   venue.BasisPointSlippage{BPS: decimal.NewFromInt(10)},
				Fees:       venue.ProportionalFee{Rate: decimal.NewFromFloat(0.001)},
			}, 10_000)
		report, err := r.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return report
	}

	first, second := run(), run()

	fillsA, err := json.Marshal(first.Fills)
	if err != nil {
		t.Fatalf("marshal fills: %v", err)
	}
	fillsB, _ := json.Marshal(second.Fills)
	if !bytes.Equal(fillsA, fillsB) {
		t.Fatalf("fill logs differ:\n%s\n%s", fillsA, fillsB)
	}

	curveA, err := json.Marshal(first.EquityCurve)
	if err != nil {
		t.Fatalf("marshal curve: %v", err)
	}
	curveB, _ := json.Marshal(second.EquityCurve)
	if !bytes.Equal(curveA, curveB) {
		t.Fatalf("equity curves differ")
	}
}

func TestOrderingRegressionFaultsHistoricalRun(t *testing.T) {
	bars := []*schema.Event{
		mkBar(2, 100, 101, 99, 100),
		mkBar(1, 100, 101, 99, 100),
	}
	r := newHistoricalRunner(t, &sliceFeed{events: bars}, &scripted{}, risk.Limits{},
		venue.SimConfig{}, 10_000)

	report, err := r.Run(context.Background())
	if !errs.IsKind(err, errs.KindOrdering) {
		t.Fatalf("expected ordering error, got %v", err)
	}
	if report.FinalState != StateFaulted {
		t.Fatalf("expected faulted, got %s", report.FinalState)
	}
	if report.Fault == nil {
		t.Fatalf("fault record missing")
	}
	if report.EventsProcessed != 1 {
		t.Fatalf("partial results should survive, processed=%d", report.EventsProcessed)
	}
}

func TestOrderingRegressionDroppedInLiveMode(t *testing.T) {
	events := []*schema.Event{
		mkBar(2, 100, 101, 99, 100),
		mkBar(1, 100, 101, 99, 100),
		mkBar(3, 100, 101, 99, 100),
	}
	r, err := NewRunner(Config{
		Mode:     ModeLive,
		Strategy: &scripted{},
		Feed:     &sliceFeed{events: events},
		Venue:    venue.NewSimulated(venue.SimConfig{}),
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
		t.Fatalf("live run must survive a regression, got %s", report.FinalState)
	}
	if report.EventsProcessed != 2 {
		t.Fatalf("expected 2 processed events, got %d", report.EventsProcessed)
	}
	if report.Warnings != 1 {
		t.Fatalf("expected 1 warning, got %d", report.Warnings)
	}
}

type panicky struct {
	strategy.Base
	seen int
}

func (p *panicky) Name() string { return "panicky" }

func (p *panicky) OnEvent(context.Context, strategy.Context, *schema.Event) error {
	p.seen++
	if p.seen == 2 {
		panic("index out of range in user code")
	}
	return nil
}

func TestStrategyPanicFaultsRunWithPartialResults(t *testing.T) {
	bars := []*schema.Event{
		mkBar(1, 100, 101, 99, 100),
		mkBar(2, 100, 101, 99, 100),
		mkBar(3, 100, 101, 99, 100),
	}
	r := newHistoricalRunner(t, &sliceFeed{events: bars}, &panicky{}, risk.Limits{},
		venue.SimConfig{}, 10_000)

	report, err := r.Run(context.Background())
	if !errs.IsKind(err, errs.KindStrategy) {
		t.Fatalf("expected strategy error, got %v", err)
	}
	if report.FinalState != StateFaulted {
		t.Fatalf("expected faulted, got %s", report.FinalState)
	}
	if len(report.EquityCurve) != 1 {
		t.Fatalf("curve up to last good event should survive, got %d points", len(report.EquityCurve))
	}
}

func TestDataErrorsAreSkippedAndCounted(t *testing.T) {
	bars := []*schema.Event{
		mkBar(1, 100, 101, 99, 100),
		mkBar(2, 100, 101, 99, 100),
	}
	f := &sliceFeed{
		events: bars,
		errAt: map[int]error{
			1: errs.New("feed/csv", errs.KindData, errs.WithMessage("line 3: bad open")),
		},
	}
	r := newHistoricalRunner(t, f, &scripted{}, risk.Limits{}, venue.SimConfig{}, 10_000)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.DataErrors != 1 {
		t.Fatalf("expected 1 data error, got %d", report.DataErrors)
	}
	if report.EventsProcessed != 2 {
		t.Fatalf("expected both good events processed, got %d", report.EventsProcessed)
	}
}

func TestDrainCancelsRestingOrders(t *testing.T) {
	bars := []*schema.Event{
		mkBar(1, 100, 101, 99, 100),
	}
	limit := decimal.NewFromInt(90)
	strat := &scripted{orders: map[int][]schema.OrderIntent{
		0: {{
			Symbol:      "BTC-USD",
			Side:        schema.TradeSideBuy,
			Type:        schema.OrderTypeLimit,
			Quantity:    decimal.NewFromInt(5),
			LimitPrice:  &limit,
			TimeInForce: schema.TimeInForceGTC,
		}},
	}}
	r := newHistoricalRunner(t, &sliceFeed{events: bars}, strat, risk.Limits{},
		venue.SimConfig{FillPolicy: venue.FillPolicyNextOpen}, 10_000)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Fills) != 0 {
		t.Fatalf("limit order should never fill, got %d fills", len(report.Fills))
	}
	if len(report.CancelledOrders) != 1 {
		t.Fatalf("expected 1 cancelled order on drain, got %d", len(report.CancelledOrders))
	}
}

func TestCancellationDrainsAtEventBoundary(t *testing.T) {
	bars := []*schema.Event{
		mkBar(1, 100, 101, 99, 100),
		mkBar(2, 100, 101, 99, 100),
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &cancellingFeed{inner: &sliceFeed{events: bars}, cancelAfter: 1, cancel: cancel}

	runner, err := NewRunner(Config{
		Mode:     ModeHistorical,
		Strategy: &scripted{},
		Feed:     f,
		Venue:    venue.NewSimulated(venue.SimConfig{}),
		Ledger:   ledger.New(ledger.Config{InitialCash: decimal.NewFromInt(10_000)}),
		Gate:     risk.NewGate(risk.Limits{}),
		Clock:    clock.NewVirtual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	report, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateFinished {
		t.Fatalf("cancellation should finish cleanly, got %s", report.FinalState)
	}
	if report.EventsProcessed != 1 {
		t.Fatalf("expected 1 event before cancellation, got %d", report.EventsProcessed)
	}
}

// cancellingFeed cancels the run context after serving a fixed number of
// events.
type cancellingFeed struct {
	inner       *sliceFeed
	cancelAfter int
	served      int
	cancel      context.CancelFunc
}

func (f *cancellingFeed) Next(ctx context.Context) (*schema.Event, error) {
	if f.served >= f.cancelAfter {
		f.cancel()
	}
	evt, err := f.inner.Next(ctx)
	if err == nil {
		f.served++
	}
	return evt, err
}

// hookPanicky submits one order on the first event and panics inside the
// selected lifecycle callback.
type hookPanicky struct {
	strategy.Base
	panicIn   string
	submitted bool
}

func (h *hookPanicky) Name() string { return "hook-panicky" }

func (h *hookPanicky) OnInit(context.Context, strategy.Context) error {
	if h.panicIn == "init" {
		panic("boom in init")
	}
	return nil
}

func (h *hookPanicky) OnEvent(_ context.Context, sctx strategy.Context, _ *schema.Event) error {
	if h.submitted {
		return nil
	}
	h.submitted = true
	intent := marketIntent(schema.TradeSideBuy, 10)
	intent.ClientOrderID = sctx.NextOrderID()
	intent.IssuedAt = sctx.Now()
	return sctx.Submit(intent)
}

func (h *hookPanicky) OnFill(context.Context, strategy.Context, schema.Fill) {
	if h.panicIn == "fill" {
		panic("boom in fill")
	}
}

func (h *hookPanicky) OnRejection(context.Context, strategy.Context, schema.Rejection) {
	if h.panicIn == "rejection" {
		panic("boom in rejection")
	}
}

func (h *hookPanicky) OnFinish(context.Context, strategy.Context) error {
	if h.panicIn == "finish" {
		panic("boom in finish")
	}
	return nil
}

func TestPanicInAnyStrategyHookFaultsTheRun(t *testing.T) {
	cases := []struct {
		name   string
		limits risk.Limits
	}{
		{name: "init"},
		{name: "fill"},
		// A tight position cap turns the submitted order into a rejection.
		{name: "rejection", limits: risk.Limits{PositionSizePct: 0.01}},
		{name: "finish"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bars := []*schema.Event{
				mkBar(1, 100, 101, 99, 100),
				mkBar(2, 100, 101, 99, 100),
			}
			r := newHistoricalRunner(t, &sliceFeed{events: bars},
				&hookPanicky{panicIn: tc.name}, tc.limits, venue.SimConfig{}, 10_000)

			report, err := r.Run(context.Background())
			if !errs.IsKind(err, errs.KindStrategy) {
				t.Fatalf("expected strategy error from %s panic, got %v", tc.name, err)
			}
			if report == nil {
				t.Fatal("faulted run must still return its report")
			}
			if report.FinalState != StateFaulted {
				t.Fatalf("expected faulted state, got %s", report.FinalState)
			}
			if report.Fault == nil {
				t.Fatal("faulted report missing its fault record")
			}
		})
	}
}
