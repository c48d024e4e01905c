package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	apimetric "go.opentelemetry.io/otel/metric"
)

// Metrics bundles the counters the runner increments per session.
type Metrics struct {
	EventsProcessed apimetric.Int64Counter
	FillsApplied    apimetric.Int64Counter
	OrdersRejected  apimetric.Int64Counter
	DataErrors      apimetric.Int64Counter
}

// NewMetrics registers the kernel instruments on the provider. A nil
// provider falls back to the global one.
func NewMetrics(provider apimetric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("quantrail/kernel")

	events, err := meter.Int64Counter("kernel.events.processed",
		apimetric.WithDescription("Market events delivered to the strategy"))
	if err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	fills, err := meter.Int64Counter("kernel.fills.applied",
		apimetric.WithDescription("Fills applied to the ledger"))
	if err != nil {
		return nil, fmt.Errorf("create fills counter: %w", err)
	}
	rejected, err := meter.Int64Counter("kernel.orders.rejected",
		apimetric.WithDescription("Order intents blocked by the risk gate"))
	if err != nil {
		return nil, fmt.Errorf("create rejections counter: %w", err)
	}
	dataErrs, err := meter.Int64Counter("kernel.data.errors",
		apimetric.WithDescription("Recoverable market data errors skipped"))
	if err != nil {
		return nil, fmt.Errorf("create data errors counter: %w", err)
	}

	return &Metrics{
		EventsProcessed: events,
		FillsApplied:    fills,
		OrdersRejected:  rejected,
		DataErrors:      dataErrs,
	}, nil
}

// AddEvent records one processed event.
func (m *Metrics) AddEvent(ctx context.Context) {
	if m != nil {
		m.EventsProcessed.Add(ctx, 1)
	}
}

// AddFill records one applied fill.
func (m *Metrics) AddFill(ctx context.Context) {
	if m != nil {
		m.FillsApplied.Add(ctx, 1)
	}
}

// AddRejection records one risk gate rejection.
func (m *Metrics) AddRejection(ctx context.Context) {
	if m != nil {
		m.OrdersRejected.Add(ctx, 1)
	}
}

// AddDataError records one skipped malformed event.
func (m *Metrics) AddDataError(ctx context.Context) {
	if m != nil {
		m.DataErrors.Add(ctx, 1)
	}
}
