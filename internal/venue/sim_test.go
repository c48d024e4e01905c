package venue

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/schema"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func bar(minuteOffset int, open, high, low, close int64) *schema.Event {
	return &schema.Event{
		Timestamp: t0.Add(time.Duration(minuteOffset) * time.Minute),
		Symbol:    "BTC-USDT",
		Kind:      schema.EventKindBar,
		Bar: &schema.BarPayload{
			Open:     decimal.NewFromInt(open),
			High:     decimal.NewFromInt(high),
			Low:      decimal.NewFromInt(low),
			Close:    decimal.NewFromInt(close),
			Volume:   decimal.NewFromInt(10_000),
			Interval: time.Minute,
		},
	}
}

func collectFills(v Venue) *[]schema.Fill {
	fills := &[]schema.Fill{}
	v.SetFillObserver(func(f schema.Fill) { *fills = append(*fills, f) })
	return fills
}

func marketBuy(id string, qty int64) schema.OrderIntent {
	return schema.OrderIntent{
		ClientOrderID: id,
		Symbol:        "BTC-USDT",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(qty),
		IssuedAt:      t0,
	}
}

func TestNextOpenPolicyNeverFillsOnDecisionBar(t *testing.T) {
	sim := NewSimulated(SimConfig{FillPolicy: FillPolicyNextOpen})
	fills := collectFills(sim)
	ctx := context.Background()

	// Bar 1 arrives, strategy decides to buy 10.
	sim.OnMarketEvent(bar(0, 99, 101, 98, 100))
	if err := sim.Submit(ctx, marketBuy("ord-1", 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(*fills) != 0 {
		t.Fatalf("market order must not fill on the decision bar, got %d fills", len(*fills))
	}

	// Bar 2 opens at 104: the fill lands there.
	sim.OnMarketEvent(bar(1, 104, 106, 103, 105))
	if len(*fills) != 1 {
		t.Fatalf("expected one fill on next bar, got %d", len(*fills))
	}
	fill := (*fills)[0]
	if !fill.Price.Equal(decimal.NewFromInt(104)) {
		t.Fatalf("expected fill at next open 104, got %s", fill.Price)
	}
	if !fill.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected full fill of 10, got %s", fill.Quantity)
	}

	// Bar 3: nothing outstanding.
	sim.OnMarketEvent(bar(2, 96, 97, 94, 95))
	if len(*fills) != 1 {
		t.Fatalf("order filled twice")
	}
}

func TestSameClosePolicyFillsImmediately(t *testing.T) {
	sim := NewSimulated(SimConfig{FillPolicy: FillPolicySameClose})
	fills := collectFills(sim)

	sim.OnMarketEvent(bar(0, 99, 101, 98, 100))
	if err := sim.Submit(context.Background(), marketBuy("ord-1", 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(*fills) != 1 {
		t.Fatalf("same_close should fill against the decision bar, got %d fills", len(*fills))
	}
	if !(*fills)[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected fill at close 100, got %s", (*fills)[0].Price)
	}
}

func TestLimitOrderFillsOnlyWhenRangeCrosses(t *testing.T) {
	sim := NewSimulated(SimConfig{})
	fills := collectFills(sim)
	ctx := context.Background()

	limit := decimal.NewFromInt(97)
	intent := schema.OrderIntent{
		ClientOrderID: "ord-1",
		Symbol:        "BTC-USDT",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(5),
		LimitPrice:    &limit,
		TimeInForce:   schema.TimeInForceGTC,
	}
	if err := sim.Submit(ctx, intent); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Low 98 stays above the limit: no fill.
	sim.OnMarketEvent(bar(0, 100, 102, 98, 101))
	if len(*fills) != 0 {
		t.Fatalf("limit must not fill when range does not cross, got %d", len(*fills))
	}

	// Low 96 crosses 97: fill at the limit price.
	sim.OnMarketEvent(bar(1, 100, 101, 96, 99))
	if len(*fills) != 1 || !(*fills)[0].Price.Equal(limit) {
		t.Fatalf("expected fill at limit 97, got %+v", *fills)
	}
}

func TestLimitOrderGapGetsPriceImprovement(t *testing.T) {
	sim := NewSimulated(SimConfig{})
	fills := collectFills(sim)

	limit := decimal.NewFromInt(100)
	intent := schema.OrderIntent{
		ClientOrderID: "ord-1",
		Symbol:        "BTC-USDT",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(5),
		LimitPrice:    &limit,
	}
	if err := sim.Submit(context.Background(), intent); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Opens gapped down through the limit: execute at the open.
	sim.OnMarketEvent(bar(0, 95, 99, 94, 98))
	if len(*fills) != 1 || !(*fills)[0].Price.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("expected gap fill at open 95, got %+v", *fills)
	}
}

func TestIOCCancelsUnfilledRemainder(t *testing.T) {
	sim := NewSimulated(SimConfig{
		Liquidity: VolumeShareLiquidity{Share: decimal.NewFromFloat(0.0004)}, // 4 units per 10k bar
	})
	fills := collectFills(sim)

	intent := marketBuy("ord-1", 10)
	intent.TimeInForce = schema.TimeInForceIOC
	if err := sim.Submit(context.Background(), intent); err != nil {
		t.Fatalf("submit: %v", err)
	}

	sim.OnMarketEvent(bar(0, 100, 101, 99, 100))
	if len(*fills) != 1 || !(*fills)[0].Quantity.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected partial fill of 4, got %+v", *fills)
	}
	if sim.RestingCount() != 0 {
		t.Fatalf("IOC remainder must be cancelled, %d still resting", sim.RestingCount())
	}
}

func TestGTCPartialFillKeepsResting(t *testing.T) {
	sim := NewSimulated(SimConfig{
		Liquidity: VolumeShareLiquidity{Share: decimal.NewFromFloat(0.0006)}, // 6 units per 10k bar
	})
	fills := collectFills(sim)

	if err := sim.Submit(context.Background(), marketBuy("ord-1", 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	sim.OnMarketEvent(bar(0, 100, 101, 99, 100))
	if len(*fills) != 1 || !(*fills)[0].Quantity.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected partial fill of 6, got %+v", *fills)
	}
	if sim.RestingCount() != 1 {
		t.Fatalf("remainder should keep resting")
	}

	sim.OnMarketEvent(bar(1, 102, 103, 101, 102))
	if len(*fills) != 2 || !(*fills)[1].Quantity.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected remainder fill of 4, got %+v", *fills)
	}
	if sim.RestingCount() != 0 {
		t.Fatalf("order should be complete")
	}
}

func TestCancelRestingOrder(t *testing.T) {
	sim := NewSimulated(SimConfig{})
	ctx := context.Background()
	if err := sim.Submit(ctx, marketBuy("ord-1", 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !sim.Cancel(ctx, "ord-1") {
		t.Fatalf("cancel should succeed for a resting order")
	}
	if sim.Cancel(ctx, "ord-1") {
		t.Fatalf("second cancel should report nothing outstanding")
	}
}

func TestSlippageAndFeesApplied(t *testing.T) {
	sim := NewSimulated(SimConfig{
		Slippage: BasisPointSlippage{BPS: decimal.NewFromInt(100)}, // 1%
		Fees:     ProportionalFee{Rate: decimal.NewFromFloat(0.001)},
	})
	fills := collectFills(sim)

	if err := sim.Submit(context.Background(), marketBuy("ord-1", 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	sim.OnMarketEvent(bar(0, 100, 102, 99, 101))

	if len(*fills) != 1 {
		t.Fatalf("expected one fill, got %d", len(*fills))
	}
	fill := (*fills)[0]
	if !fill.Price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("expected buy slipped to 101, got %s", fill.Price)
	}
	wantFee := decimal.NewFromInt(10).Mul(decimal.NewFromInt(101)).Mul(decimal.NewFromFloat(0.001))
	if !fill.Fee.Equal(wantFee) {
		t.Fatalf("expected fee %s, got %s", wantFee, fill.Fee)
	}
}

func TestSeededLiquidityIsReproducible(t *testing.T) {
	run := func() []schema.Fill {
		sim := NewSimulated(SimConfig{
			Liquidity: NewRandomHaircutLiquidity(decimal.NewFromFloat(0.3), 42),
		})
		fills := collectFills(sim)
		if err := sim.Submit(context.Background(), marketBuy("ord-1", 100)); err != nil {
			t.Fatalf("submit: %v", err)
		}
		for i := 0; i < 5; i++ {
			sim.OnMarketEvent(bar(i, 100, 102, 99, 101))
		}
		return *fills
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("fill counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Quantity.Equal(second[i].Quantity) || first[i].VenueFillID != second[i].VenueFillID {
			t.Fatalf("fill %d differs between identical seeded runs", i)
		}
	}
}

func TestStaleEventIgnored(t *testing.T) {
	sim := NewSimulated(SimConfig{})
	fills := collectFills(sim)

	sim.OnMarketEvent(bar(5, 100, 102, 99, 101))
	if err := sim.Submit(context.Background(), marketBuy("ord-1", 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// An event older than the venue's watermark must not trigger matching.
	sim.OnMarketEvent(bar(1, 90, 95, 89, 94))
	if len(*fills) != 0 {
		t.Fatalf("stale event produced fills")
	}

	sim.OnMarketEvent(bar(6, 103, 104, 102, 103))
	if len(*fills) != 1 {
		t.Fatalf("fresh event should fill the resting order")
	}
}

func TestCancelAllReturnsSubmissionOrder(t *testing.T) {
	sim := NewSimulated(SimConfig{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := sim.Submit(ctx, marketBuy(id, 1)); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	cancelled := sim.CancelAll()
	if len(cancelled) != 3 || cancelled[0] != "a" || cancelled[1] != "b" || cancelled[2] != "c" {
		t.Fatalf("unexpected cancellation order: %v", cancelled)
	}
	if sim.RestingCount() != 0 {
		t.Fatalf("orders remain after CancelAll")
	}
}

func TestLatencyDelaysOrderVisibility(t *testing.T) {
	sim := NewSimulated(SimConfig{FillPolicy: FillPolicyNextOpen, Latency: 90 * time.Second})
	fills := collectFills(sim)
	ctx := context.Background()

	sim.OnMarketEvent(bar(0, 99, 101, 98, 100))
	intent := marketBuy("ord-1", 5)
	intent.IssuedAt = t0
	if err := sim.Submit(ctx, intent); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Bar at t0+1m is still inside the latency window.
	sim.OnMarketEvent(bar(1, 104, 106, 103, 105))
	if len(*fills) != 0 {
		t.Fatalf("order became visible before the latency elapsed")
	}

	// Bar at t0+2m is past t0+90s and fills at its open.
	sim.OnMarketEvent(bar(2, 108, 110, 107, 109))
	if len(*fills) != 1 {
		t.Fatalf("expected one fill after latency, got %d", len(*fills))
	}
	if got := (*fills)[0].Price; !got.Equal(decimal.NewFromInt(108)) {
		t.Fatalf("expected fill at 108, got %s", got)
	}
}
