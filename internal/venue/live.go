package venue

import (
	"context"
	"sync"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/schema"
)

// Live forwards order intents to an external venue adapter and maps its
// asynchronous fill notifications back into the kernel's Fill shape.
// Notifications may arrive duplicated or out of order; duplicates are dropped
// by venue fill id before anything reaches the ledger.
type Live struct {
	adapter Adapter

	mu        sync.Mutex
	obs       FillObserver
	submitted map[string]schema.OrderIntent
	submitSeq []string
	seenFills map[string]struct{}
}

// NewLive wraps an external adapter.
func NewLive(adapter Adapter) *Live {
	return &Live{
		adapter:   adapter,
		submitted: make(map[string]schema.OrderIntent),
		seenFills: make(map[string]struct{}),
	}
}

// SetFillObserver registers the sink for normalized fills.
func (l *Live) SetFillObserver(obs FillObserver) {
	l.mu.Lock()
	l.obs = obs
	l.mu.Unlock()
}

// Submit validates and forwards the intent to the adapter.
func (l *Live) Submit(ctx context.Context, intent schema.OrderIntent) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	if _, exists := l.submitted[intent.ClientOrderID]; exists {
		l.mu.Unlock()
		return errs.New("venue/live", errs.KindVenue,
			errs.WithOrderID(intent.ClientOrderID),
			errs.WithMessage("duplicate client order id"))
	}
	l.submitted[intent.ClientOrderID] = intent
	l.submitSeq = append(l.submitSeq, intent.ClientOrderID)
	l.mu.Unlock()

	if err := l.adapter.SubmitOrder(ctx, intent); err != nil {
		l.mu.Lock()
		delete(l.submitted, intent.ClientOrderID)
		l.mu.Unlock()
		return errs.New("venue/live", errs.KindVenue,
			errs.WithOrderID(intent.ClientOrderID),
			errs.WithMessage("adapter submit failed"),
			errs.WithCause(err))
	}
	return nil
}

// Cancel forwards a cancellation to the adapter.
func (l *Live) Cancel(ctx context.Context, clientOrderID string) bool {
	l.mu.Lock()
	_, known := l.submitted[clientOrderID]
	l.mu.Unlock()
	if !known {
		return false
	}
	return l.adapter.CancelOrder(ctx, clientOrderID) == nil
}

// CancelOutstanding cancels every submitted order that has not fully filled,
// in submission order so the drain record is stable. Invoked when a live run
// drains.
func (l *Live) CancelOutstanding(ctx context.Context) []string {
	l.mu.Lock()
	ids := make([]string, 0, len(l.submitted))
	for _, id := range l.submitSeq {
		if _, ok := l.submitted[id]; ok {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()

	cancelled := make([]string, 0, len(ids))
	for _, id := range ids {
		if l.adapter.CancelOrder(ctx, id) == nil {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// HandleNotification ingests one asynchronous fill notification from the
// adapter. Duplicate venue fill ids are silently dropped; fills that do not
// map to a previously submitted intent are refused.
func (l *Live) HandleNotification(fill schema.Fill) error {
	if err := fill.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	if _, dup := l.seenFills[fill.VenueFillID]; dup {
		l.mu.Unlock()
		return nil
	}
	if _, known := l.submitted[fill.ClientOrderID]; !known {
		l.mu.Unlock()
		return errs.New("venue/live", errs.KindVenue,
			errs.WithOrderID(fill.ClientOrderID),
			errs.WithMessage("fill notification for unknown order"))
	}
	l.seenFills[fill.VenueFillID] = struct{}{}
	obs := l.obs
	l.mu.Unlock()

	if obs != nil {
		obs(fill)
	}
	return nil
}
