// Package venue provides the execution venue abstraction: an order intent
// goes in, zero or more fills come out. The simulated variant matches against
// replayed market data; the live variant forwards to an external adapter and
// normalizes its asynchronous notifications.
package venue

import (
	"context"

	"github.com/quantrail/quantrail/internal/schema"
)

// FillObserver receives every fill a venue produces, in emission order.
type FillObserver func(schema.Fill)

// Venue is the capability contract shared by the simulated and live variants.
// Submit never returns fills directly; they reach the run through the
// registered observer so both variants look identical to the runner.
type Venue interface {
	Submit(ctx context.Context, intent schema.OrderIntent) error
	// Cancel removes a resting order. It reports whether an order with the
	// given client id was still cancellable.
	Cancel(ctx context.Context, clientOrderID string) bool
	SetFillObserver(obs FillObserver)
}

// Adapter is the external collaborator a live venue forwards to. Concrete
// brokerage protocols live outside the kernel.
type Adapter interface {
	SubmitOrder(ctx context.Context, intent schema.OrderIntent) error
	CancelOrder(ctx context.Context, clientOrderID string) error
}
