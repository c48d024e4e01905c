package feed

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/schema"
)

func TestDecodeTick(t *testing.T) {
	payload := []byte(`{"ts":1700000000000000000,"symbol":"BTC-USD","price":"43210.55","size":"0.25","side":"sell"}`)

	evt, err := decodeTick(payload)
	if err != nil {
		t.Fatalf("decodeTick: %v", err)
	}
	if evt.Kind != schema.EventKindTick {
		t.Fatalf("expected tick, got %s", evt.Kind)
	}
	if evt.Symbol != "BTC-USD" {
		t.Fatalf("unexpected symbol %q", evt.Symbol)
	}
	if !evt.Tick.Price.Equal(decimal.RequireFromString("43210.55")) {
		t.Fatalf("unexpected price %s", evt.Tick.Price)
	}
	if evt.Tick.Side != schema.TradeSideSell {
		t.Fatalf("expected sell side, got %s", evt.Tick.Side)
	}
	if evt.Timestamp.UnixNano() != 1700000000000000000 {
		t.Fatalf("unexpected timestamp %v", evt.Timestamp)
	}
}

func TestDecodeTickDefaultsToBuySide(t *testing.T) {
	payload := []byte(`{"ts":1700000000000000000,"symbol":"ETH-USD","price":"2000","size":"1"}`)

	evt, err := decodeTick(payload)
	if err != nil {
		t.Fatalf("decodeTick: %v", err)
	}
	if evt.Tick.Side != schema.TradeSideBuy {
		t.Fatalf("expected buy default, got %s", evt.Tick.Side)
	}
}

func TestDecodeTickMalformedFrames(t *testing.T) {
	cases := map[string][]byte{
		"not json":      []byte(`{`),
		"empty symbol":  []byte(`{"ts":1700000000000000000,"symbol":"","price":"100","size":"1"}`),
		"zero price":    []byte(`{"ts":1700000000000000000,"symbol":"BTC-USD","price":"0","size":"1"}`),
		"missing stamp": []byte(`{"symbol":"BTC-USD","price":"100","size":"1"}`),
	}
	for name, payload := range cases {
		if _, err := decodeTick(payload); !errs.IsKind(err, errs.KindData) {
			t.Fatalf("%s: expected data error, got %v", name, err)
		}
	}
}
