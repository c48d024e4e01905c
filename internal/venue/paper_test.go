package venue

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/schema"
)

func tick(minuteOffset int, price int64) *schema.Event {
	return &schema.Event{
		Timestamp: time.Date(2024, 3, 1, 9, minuteOffset, 0, 0, time.UTC),
		Symbol:    "BTC-USDT",
		Kind:      schema.EventKindTick,
		Tick: &schema.TickPayload{
			Price: decimal.NewFromInt(price),
			Size:  decimal.NewFromInt(1),
			Side:  schema.TradeSideBuy,
		},
	}
}

func TestPaperFillsAtLastObservedPrice(t *testing.T) {
	paper := NewPaper(nil)
	fills := collectFills(paper)

	paper.OnMarketEvent(tick(1, 100))
	paper.OnMarketEvent(tick(2, 105))

	if err := paper.Submit(context.Background(), marketBuy("p-1", 3)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(*fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(*fills))
	}
	fill := (*fills)[0]
	if !fill.Price.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("expected fill at last price 105, got %s", fill.Price)
	}
	if !fill.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected full fill, got %s", fill.Quantity)
	}
}

func TestPaperRefusesUnquotedSymbol(t *testing.T) {
	paper := NewPaper(nil)
	collectFills(paper)

	err := paper.Submit(context.Background(), marketBuy("p-1", 1))
	if !errs.IsKind(err, errs.KindVenue) {
		t.Fatalf("expected venue error, got %v", err)
	}
}

func TestPaperChargesConfiguredFees(t *testing.T) {
	paper := NewPaper(ProportionalFee{Rate: decimal.NewFromFloat(0.001)})
	fills := collectFills(paper)

	paper.OnMarketEvent(tick(1, 100))
	if err := paper.Submit(context.Background(), marketBuy("p-1", 10)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// 10 * 100 * 0.001 = 1
	if !(*fills)[0].Fee.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected fee 1, got %s", (*fills)[0].Fee)
	}
}
