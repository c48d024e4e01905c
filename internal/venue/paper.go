package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/schema"
)

// PaperAdapter executes orders against the last observed market price
// without touching a real venue. Fills are notified through the standard
// live notification path so the rest of the pipeline cannot tell the
// difference.
type PaperAdapter struct {
	mu     sync.Mutex
	notify func(schema.Fill) error
	last   map[string]decimal.Decimal
	fees   FeeModel
	seq    uint64
}

// NewPaperAdapter creates the adapter. A nil fee model charges nothing.
func NewPaperAdapter(fees FeeModel) *PaperAdapter {
	if fees == nil {
		fees = NoFee{}
	}
	return &PaperAdapter{
		last:   make(map[string]decimal.Decimal),
		fees:   fees,
	}
}

// SubmitOrder fills the order at the last seen price, or the limit price for
// limit orders. Orders for symbols with no observed price are refused.
func (p *PaperAdapter) SubmitOrder(_ context.Context, intent schema.OrderIntent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.last[intent.Symbol]
	if intent.Type == schema.OrderTypeLimit && intent.LimitPrice != nil {
		price, ok = *intent.LimitPrice, true
	}
	if !ok || price.LessThanOrEqual(decimal.Zero) {
		return errs.New("venue/paper", errs.KindVenue,
			errs.WithSymbol(intent.Symbol), errs.WithOrderID(intent.ClientOrderID),
			errs.WithMessage("no market price observed for symbol"))
	}

	p.seq++
	fill := schema.Fill{
		VenueFillID:   fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		Price:         price,
		Fee:           p.fees.Fee(intent, intent.Quantity, price),
		Timestamp:     intent.IssuedAt,
	}
	if p.notify == nil {
		return errs.New("venue/paper", errs.KindVenue, errs.WithMessage("adapter not bound"))
	}
	return p.notify(fill)
}

// CancelOrder always succeeds; paper orders never rest.
func (p *PaperAdapter) CancelOrder(context.Context, string) error { return nil }

func (p *PaperAdapter) observe(evt *schema.Event) {
	mark, ok := evt.MarkPrice()
	if !ok {
		return
	}
	p.mu.Lock()
	p.last[evt.Symbol] = mark
	p.mu.Unlock()
}

// Paper is a live venue wired to the paper adapter. It observes market
// events so fills track the stream's latest prices.
type Paper struct {
	*Live
	adapter *PaperAdapter
}

// NewPaper assembles the paper venue.
func NewPaper(fees FeeModel) *Paper {
	adapter := NewPaperAdapter(fees)
	live := NewLive(adapter)
	adapter.notify = live.HandleNotification
	return &Paper{Live: live, adapter: adapter}
}

// OnMarketEvent records the latest price per symbol.
func (p *Paper) OnMarketEvent(evt *schema.Event) {
	p.adapter.observe(evt)
}
