// Package strategy defines the trading logic contract the runner drives and
// the built-in strategies shipped with the kernel.
package strategy

import (
	"context"
	"time"

	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/schema"
)

// Context is the handle the runner passes into every strategy callback. All
// methods are only valid for the duration of the callback; the runner owns
// the underlying state and serializes access to it.
type Context interface {
	// Now reports the current session time, virtual in historical mode.
	Now() time.Time
	// Snapshot returns the ledger state as of the last applied event.
	Snapshot() ledger.Snapshot
	// Submit routes an order intent through the risk gate to the venue.
	// A rejection is not an error here; it arrives via OnRejection.
	Submit(intent schema.OrderIntent) error
	// Cancel withdraws a resting order by client order id.
	Cancel(clientOrderID string) bool
	// NextOrderID mints a session-unique client order id.
	NextOrderID() string
}

// Strategy receives market events and order lifecycle notifications in
// lockstep with the event feed. Callbacks never run concurrently.
type Strategy interface {
	Name() string
	OnInit(ctx context.Context, sctx Context) error
	OnEvent(ctx context.Context, sctx Context, evt *schema.Event) error
	OnFill(ctx context.Context, sctx Context, fill schema.Fill)
	OnRejection(ctx context.Context, sctx Context, rejection schema.Rejection)
	OnFinish(ctx context.Context, sctx Context) error
}

// Base provides no-op implementations of every callback. Embed it to
// implement only the hooks a strategy cares about.
type Base struct{}

func (Base) OnInit(context.Context, Context) error                 { return nil }
func (Base) OnEvent(context.Context, Context, *schema.Event) error { return nil }
func (Base) OnFill(context.Context, Context, schema.Fill)          {}
func (Base) OnRejection(context.Context, Context, schema.Rejection) {
}
func (Base) OnFinish(context.Context, Context) error { return nil }
