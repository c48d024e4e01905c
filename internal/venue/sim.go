package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/schema"
)

// SimConfig parameterizes the simulated venue. Every knob is deterministic;
// the only randomness allowed is a seeded liquidity model.
type SimConfig struct {
	FillPolicy FillPolicy
	Slippage   SlippageModel
	Fees       FeeModel
	Liquidity  LiquidityModel
	// Latency delays a submitted order's visibility to the market: an order
	// issued at T can only match events at or after T+Latency. Zero disables
	// the delay.
	Latency time.Duration
}

func (c SimConfig) withDefaults() SimConfig {
	if c.FillPolicy == "" {
		c.FillPolicy = FillPolicyNextOpen
	}
	if c.Slippage == nil {
		c.Slippage = NoSlippage{}
	}
	if c.Fees == nil {
		c.Fees = NoFee{}
	}
	if c.Liquidity == nil {
		c.Liquidity = FullLiquidity{}
	}
	return c
}

type restingOrder struct {
	intent    schema.OrderIntent
	remaining decimal.Decimal
	// seenEvent flips once a matching opportunity has passed; IOC remainders
	// are cancelled at that point.
	seenEvent bool
}

// Simulated matches order intents against replayed market events. All state
// only ever moves forward with the event stream; fills for a given input
// sequence are byte-identical across runs.
type Simulated struct {
	mu  sync.Mutex
	cfg SimConfig
	obs FillObserver

	resting   map[string]*restingOrder
	submitSeq []string
	lastEvent map[string]*schema.Event
	fillSeq   uint64
	lastTS    time.Time
}

// NewSimulated creates a simulated venue.
func NewSimulated(cfg SimConfig) *Simulated {
	return &Simulated{
		cfg:       cfg.withDefaults(),
		resting:   make(map[string]*restingOrder),
		lastEvent: make(map[string]*schema.Event),
	}
}

// SetFillObserver registers the sink for produced fills.
func (s *Simulated) SetFillObserver(obs FillObserver) {
	s.mu.Lock()
	s.obs = obs
	s.mu.Unlock()
}

// Submit accepts an intent. Market orders under the same_close policy execute
// against the event that triggered them; everything else rests until the next
// market event so decisions can never fill at prices the strategy had not yet
// paid for.
func (s *Simulated) Submit(_ context.Context, intent schema.OrderIntent) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.resting[intent.ClientOrderID]; exists {
		return errs.New("venue/sim", errs.KindVenue,
			errs.WithOrderID(intent.ClientOrderID),
			errs.WithMessage("duplicate client order id"))
	}

	order := &restingOrder{intent: intent, remaining: intent.Quantity}

	if intent.Type == schema.OrderTypeMarket && s.cfg.FillPolicy == FillPolicySameClose && s.cfg.Latency <= 0 {
		if evt, ok := s.lastEvent[intent.Symbol]; ok {
			s.matchOrder(order, evt, sameClosePrice(evt))
			if order.remaining.IsPositive() && intent.TimeInForce == schema.TimeInForceIOC {
				return nil
			}
			if !order.remaining.IsPositive() {
				return nil
			}
		}
	}

	s.resting[intent.ClientOrderID] = order
	s.submitSeq = append(s.submitSeq, intent.ClientOrderID)
	return nil
}

// Cancel removes a resting order, reporting whether anything was outstanding.
func (s *Simulated) Cancel(_ context.Context, clientOrderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resting[clientOrderID]; !ok {
		return false
	}
	s.removeLocked(clientOrderID)
	return true
}

// CancelAll cancels every resting order and returns their client ids, oldest
// first. Used when a run drains.
func (s *Simulated) CancelAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := make([]string, 0, len(s.resting))
	for _, id := range s.submitSeq {
		if _, ok := s.resting[id]; ok {
			cancelled = append(cancelled, id)
		}
	}
	s.resting = make(map[string]*restingOrder)
	s.submitSeq = s.submitSeq[:0]
	return cancelled
}

// RestingCount reports outstanding simulated orders.
func (s *Simulated) RestingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resting)
}

// OnMarketEvent advances the venue with the next market event, producing
// fills for resting orders in submission order. Events older than what the
// venue has already seen are ignored; simulated state never rolls backward.
func (s *Simulated) OnMarketEvent(evt *schema.Event) {
	if evt == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.Before(s.lastTS) {
		return
	}
	s.lastTS = evt.Timestamp

	var done []string
	for _, id := range s.submitSeq {
		order, ok := s.resting[id]
		if !ok || order.intent.Symbol != evt.Symbol {
			continue
		}
		if s.cfg.Latency > 0 && order.intent.IssuedAt.Add(s.cfg.Latency).After(evt.Timestamp) {
			continue
		}

		switch order.intent.Type {
		case schema.OrderTypeMarket:
			price := s.marketPrice(evt)
			if price.IsPositive() {
				s.matchOrder(order, evt, price)
			}
		case schema.OrderTypeLimit:
			if price, crossed := limitCross(order.intent, evt); crossed {
				s.matchOrder(order, evt, price)
			}
		}
		order.seenEvent = true

		if !order.remaining.IsPositive() {
			done = append(done, id)
			continue
		}
		if order.intent.TimeInForce == schema.TimeInForceIOC && order.seenEvent {
			done = append(done, id)
		}
	}
	for _, id := range done {
		s.removeLocked(id)
	}

	s.lastEvent[evt.Symbol] = evt.Clone()
}

// matchOrder executes as much of the order as the liquidity model permits at
// the reference price, applying slippage (market orders only) and fees.
func (s *Simulated) matchOrder(order *restingOrder, evt *schema.Event, refPrice decimal.Decimal) {
	qty := s.cfg.Liquidity.ExecutableQuantity(order.intent, order.remaining, evt)
	if qty.GreaterThan(order.remaining) {
		qty = order.remaining
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return
	}

	price := refPrice
	if order.intent.Type == schema.OrderTypeMarket {
		price = s.cfg.Slippage.Adjust(order.intent, refPrice)
	}

	s.fillSeq++
	fill := schema.Fill{
		VenueFillID:   fmt.Sprintf("sim-%d", s.fillSeq),
		ClientOrderID: order.intent.ClientOrderID,
		Symbol:        order.intent.Symbol,
		Side:          order.intent.Side,
		Quantity:      qty,
		Price:         price,
		Fee:           s.cfg.Fees.Fee(order.intent, qty, price),
		Timestamp:     evt.Timestamp,
	}
	order.remaining = order.remaining.Sub(qty)

	if s.obs != nil {
		s.obs(fill)
	}
}

// marketPrice selects the execution price for a resting market order on evt.
func (s *Simulated) marketPrice(evt *schema.Event) decimal.Decimal {
	switch evt.Kind {
	case schema.EventKindBar:
		if evt.Bar == nil {
			return decimal.Zero
		}
		if s.cfg.FillPolicy == FillPolicySameClose {
			return evt.Bar.Close
		}
		return evt.Bar.Open
	case schema.EventKindTick:
		if evt.Tick == nil {
			return decimal.Zero
		}
		return evt.Tick.Price
	}
	return decimal.Zero
}

func sameClosePrice(evt *schema.Event) decimal.Decimal {
	if evt.Kind == schema.EventKindTick && evt.Tick != nil {
		return evt.Tick.Price
	}
	if evt.Bar != nil {
		return evt.Bar.Close
	}
	return decimal.Zero
}

// limitCross reports whether evt crosses the order's limit price and at what
// price the execution happens. A gap through the limit executes at the open
// (price improvement), otherwise at the limit itself.
func limitCross(intent schema.OrderIntent, evt *schema.Event) (decimal.Decimal, bool) {
	if intent.LimitPrice == nil {
		return decimal.Zero, false
	}
	limit := *intent.LimitPrice

	if evt.Kind == schema.EventKindTick && evt.Tick != nil {
		price := evt.Tick.Price
		if intent.Side == schema.TradeSideBuy && price.LessThanOrEqual(limit) {
			return price, true
		}
		if intent.Side == schema.TradeSideSell && price.GreaterThanOrEqual(limit) {
			return price, true
		}
		return decimal.Zero, false
	}

	if evt.Bar == nil {
		return decimal.Zero, false
	}
	bar := evt.Bar
	if intent.Side == schema.TradeSideBuy {
		if bar.Open.LessThanOrEqual(limit) {
			return bar.Open, true
		}
		if bar.Low.LessThanOrEqual(limit) {
			return limit, true
		}
		return decimal.Zero, false
	}
	if bar.Open.GreaterThanOrEqual(limit) {
		return bar.Open, true
	}
	if bar.High.GreaterThanOrEqual(limit) {
		return limit, true
	}
	return decimal.Zero, false
}

func (s *Simulated) removeLocked(clientOrderID string) {
	delete(s.resting, clientOrderID)
	for i, id := range s.submitSeq {
		if id == clientOrderID {
			s.submitSeq = append(s.submitSeq[:i], s.submitSeq[i+1:]...)
			break
		}
	}
}
