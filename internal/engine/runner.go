// Package engine drives a strategy session: it pulls events from the feed,
// routes orders through the risk gate to the venue, and applies fills to the
// ledger in a single deterministic loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/clock"
	"github.com/quantrail/quantrail/internal/feed"
	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/risk"
	"github.com/quantrail/quantrail/internal/schema"
	"github.com/quantrail/quantrail/internal/strategy"
	"github.com/quantrail/quantrail/internal/venue"
	"github.com/quantrail/quantrail/lib/telemetry"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateDraining     State = "draining"
	StateFinished     State = "finished"
	StateFaulted      State = "faulted"
)

// Mode selects how the session treats time and ordering regressions.
type Mode string

const (
	// ModeHistorical replays a finite recorded feed; an ordering regression
	// means the data set is corrupt and the session faults.
	ModeHistorical Mode = "historical"
	// ModeLive consumes a network feed; out-of-order events are logged and
	// dropped because upstreams occasionally misbehave.
	ModeLive Mode = "live"
)

// marketObserver is implemented by venues that match resting orders against
// market events, i.e. the simulated venue.
type marketObserver interface {
	OnMarketEvent(evt *schema.Event)
}

// drainCanceller is implemented by venues that can withdraw every
// outstanding order at once.
type drainCanceller interface {
	CancelAll() []string
}

type liveCanceller interface {
	CancelOutstanding(ctx context.Context) []string
}

// Config assembles a session's collaborators.
type Config struct {
	Mode     Mode
	Strategy strategy.Strategy
	Feed     feed.Feed
	Venue    venue.Venue
	Ledger   *ledger.Ledger
	Gate     *risk.Gate
	Clock    clock.SessionClock
	Logger   *log.Logger
	Metrics  *telemetry.Metrics
}

func (c Config) validate() error {
	if c.Strategy == nil {
		return errs.New("engine", errs.KindConfig, errs.WithMessage("strategy required"))
	}
	if c.Feed == nil {
		return errs.New("engine", errs.KindConfig, errs.WithMessage("feed required"))
	}
	if c.Venue == nil {
		return errs.New("engine", errs.KindConfig, errs.WithMessage("venue required"))
	}
	if c.Ledger == nil {
		return errs.New("engine", errs.KindConfig, errs.WithMessage("ledger required"))
	}
	if c.Gate == nil {
		return errs.New("engine", errs.KindConfig, errs.WithMessage("risk gate required"))
	}
	if c.Clock == nil {
		return errs.New("engine", errs.KindConfig, errs.WithMessage("clock required"))
	}
	switch c.Mode {
	case ModeHistorical, ModeLive:
	default:
		return errs.New("engine", errs.KindConfig, errs.WithMessage("unknown mode "+string(c.Mode)))
	}
	return nil
}

// Runner executes one session from initialization to a terminal state. A
// runner is single-use.
type Runner struct {
	cfg    Config
	logger *log.Logger

	state  State
	lastTS time.Time

	// pendingFills buffers venue fill notifications until the current
	// event boundary. Live venues notify from other goroutines.
	fillMu       sync.Mutex
	pendingFills []schema.Fill

	// pendingRejections buffers risk gate rejections raised while a
	// strategy callback is on the stack, to avoid re-entering it.
	pendingRejections []schema.Rejection

	orderSeq int64
	report   Report
	runCtx   context.Context
}

// NewRunner validates the wiring and prepares a session.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "engine ", log.LstdFlags)
	}
	r := &Runner{
		cfg:    cfg,
		logger: logger,
		state:  StateInitializing,
	}
	r.report = Report{
		Strategy:   cfg.Strategy.Name(),
		Mode:       cfg.Mode,
		FinalState: StateInitializing,
		Fills:      []schema.Fill{},
		Rejections: []schema.Rejection{},
	}
	cfg.Venue.SetFillObserver(r.observeFill)
	return r, nil
}

// State reports the current lifecycle phase.
func (r *Runner) State() State { return r.state }

// Run executes the session until the feed ends, the context is cancelled, or
// a fatal error faults it. The returned report is always complete; the error
// is non-nil only when the session faulted.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	r.runCtx = ctx
	r.report.StartedAt = r.cfg.Clock.Now()

	sctx := &runnerContext{runner: r}
	if err := r.invokeStrategy("init", func() error {
		return r.cfg.Strategy.OnInit(ctx, sctx)
	}); err != nil {
		return r.fault("strategy.init", err)
	}

	r.state = StateRunning
	for {
		if ctx.Err() != nil {
			r.logger.Printf("context cancelled, draining")
			break
		}

		evt, err := r.cfg.Feed.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.logger.Printf("feed interrupted, draining")
				break
			}
			if errs.IsKind(err, errs.KindData) {
				r.report.DataErrors++
				r.cfg.Metrics.AddDataError(ctx)
				r.logger.Printf("skip malformed event: %v", err)
				continue
			}
			return r.fault("feed", err)
		}

		if err := r.processEvent(ctx, sctx, evt); err != nil {
			return r.fault("pipeline", err)
		}
	}

	return r.drain(ctx, sctx)
}

// processEvent runs one full pipeline pass for a single market event.
func (r *Runner) processEvent(ctx context.Context, sctx *runnerContext, evt *schema.Event) error {
	if err := evt.Validate(); err != nil {
		r.report.DataErrors++
		r.cfg.Metrics.AddDataError(ctx)
		r.logger.Printf("skip invalid event: %v", err)
		return nil
	}

	if evt.Timestamp.Before(r.lastTS) {
		if r.cfg.Mode == ModeHistorical {
			return errs.New("engine", errs.KindOrdering,
				errs.WithSymbol(evt.Symbol),
				errs.WithMessage(fmt.Sprintf("event at %s precedes watermark %s",
					evt.Timestamp.Format(time.RFC3339Nano), r.lastTS.Format(time.RFC3339Nano))))
		}
		r.report.Warnings++
		r.logger.Printf("drop out-of-order event %s at %s, watermark %s",
			evt.Symbol, evt.Timestamp.Format(time.RFC3339Nano), r.lastTS.Format(time.RFC3339Nano))
		return nil
	}
	r.lastTS = evt.Timestamp
	r.cfg.Clock.AdvanceTo(evt.Timestamp)

	// Resting orders see the new event before the strategy does, so a
	// decision made on the previous bar executes at this one's open.
	if mo, ok := r.cfg.Venue.(marketObserver); ok {
		mo.OnMarketEvent(evt)
	}

	if mark, ok := evt.MarkPrice(); ok {
		r.cfg.Ledger.ObservePrice(evt.Symbol, mark)
	}

	if err := r.applyPendingFills(ctx, sctx); err != nil {
		return err
	}

	if err := r.invokeStrategy("event handler", func() error {
		return r.cfg.Strategy.OnEvent(ctx, sctx, evt)
	}); err != nil {
		return err
	}
	r.report.EventsProcessed++
	r.cfg.Metrics.AddEvent(ctx)

	// Same-close venues fill during Submit; settle those before sampling
	// the equity curve so the point reflects this event completely.
	if err := r.applyPendingFills(ctx, sctx); err != nil {
		return err
	}
	if err := r.deliverRejections(ctx, sctx); err != nil {
		return err
	}

	snap := r.cfg.Ledger.Snapshot(evt.Timestamp)
	r.report.EquityCurve = append(r.report.EquityCurve, EquityPoint{
		Timestamp: evt.Timestamp,
		Equity:    snap.Equity,
		Drawdown:  snap.Drawdown(),
	})
	return nil
}

// invokeStrategy shields the runner from user strategy code. Every callback
// is dispatched through here so a panic or error in any hook faults the run
// with the report intact instead of unwinding through the loop.
func (r *Runner) invokeStrategy(hook string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.New("engine", errs.KindStrategy,
				errs.WithMessage(fmt.Sprintf("strategy panic in %s: %v", hook, rec)))
		}
	}()
	if err := fn(); err != nil {
		return errs.New("engine", errs.KindStrategy, errs.WithCause(err),
			errs.WithMessage("strategy "+hook+" failed"))
	}
	return nil
}

// observeFill is the venue callback. It only queues; fills are applied at
// event boundaries to keep the pipeline lockstep.
func (r *Runner) observeFill(fill schema.Fill) {
	r.fillMu.Lock()
	defer r.fillMu.Unlock()
	r.pendingFills = append(r.pendingFills, fill)
}

func (r *Runner) takePendingFills() []schema.Fill {
	r.fillMu.Lock()
	defer r.fillMu.Unlock()
	fills := r.pendingFills
	r.pendingFills = nil
	return fills
}

func (r *Runner) applyPendingFills(ctx context.Context, sctx *runnerContext) error {
	for {
		fills := r.takePendingFills()
		if len(fills) == 0 {
			return nil
		}
		for _, fill := range fills {
			if r.cfg.Ledger.FillApplied(fill.VenueFillID) {
				r.logger.Printf("duplicate fill %s ignored", fill.VenueFillID)
				continue
			}
			if err := r.cfg.Ledger.ApplyFill(fill); err != nil {
				if errs.IsFatal(err) {
					return err
				}
				r.report.Warnings++
				r.logger.Printf("discard fill %s: %v", fill.VenueFillID, err)
				continue
			}
			r.report.Fills = append(r.report.Fills, fill)
			r.cfg.Metrics.AddFill(ctx)
			if err := r.invokeStrategy("fill handler", func() error {
				r.cfg.Strategy.OnFill(ctx, sctx, fill)
				return nil
			}); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) deliverRejections(ctx context.Context, sctx *runnerContext) error {
	for len(r.pendingRejections) > 0 {
		rejections := r.pendingRejections
		r.pendingRejections = nil
		for _, rejection := range rejections {
			if err := r.invokeStrategy("rejection handler", func() error {
				r.cfg.Strategy.OnRejection(ctx, sctx, rejection)
				return nil
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// drain closes the session: outstanding orders are withdrawn, buffered fills
// settle, and the strategy gets its final callback.
func (r *Runner) drain(ctx context.Context, sctx *runnerContext) (*Report, error) {
	r.state = StateDraining

	switch v := r.cfg.Venue.(type) {
	case drainCanceller:
		r.report.CancelledOrders = v.CancelAll()
	case liveCanceller:
		r.report.CancelledOrders = v.CancelOutstanding(context.WithoutCancel(ctx))
	}
	if n := len(r.report.CancelledOrders); n > 0 {
		r.logger.Printf("cancelled %d outstanding orders on drain", n)
	}

	if err := r.applyPendingFills(ctx, sctx); err != nil {
		return r.fault("drain", err)
	}
	if err := r.deliverRejections(ctx, sctx); err != nil {
		return r.fault("drain", err)
	}
	if err := r.applyPendingFills(ctx, sctx); err != nil {
		return r.fault("drain", err)
	}

	if err := r.invokeStrategy("finish", func() error {
		return r.cfg.Strategy.OnFinish(ctx, sctx)
	}); err != nil {
		return r.fault("strategy.finish", err)
	}

	r.state = StateFinished
	r.report.FinalState = StateFinished
	r.report.FinishedAt = r.cfg.Clock.Now()
	r.report.Final = r.cfg.Ledger.Snapshot(r.cfg.Clock.Now())
	return &r.report, nil
}

// fault moves the session to its failed terminal state. The report survives
// so the operator can inspect everything up to the failure.
func (r *Runner) fault(stage string, err error) (*Report, error) {
	r.state = StateFaulted
	r.report.FinalState = StateFaulted
	r.report.FinishedAt = r.cfg.Clock.Now()
	r.report.Final = r.cfg.Ledger.Snapshot(r.cfg.Clock.Now())
	r.report.Fault = &Fault{
		Stage:   stage,
		Message: err.Error(),
		At:      r.cfg.Clock.Now(),
	}
	r.logger.Printf("session faulted at %s: %v", stage, err)
	return &r.report, err
}

// runnerContext is the strategy-facing handle. All calls happen on the
// runner goroutine.
type runnerContext struct {
	runner *Runner
}

func (c *runnerContext) Now() time.Time {
	return c.runner.cfg.Clock.Now()
}

func (c *runnerContext) Snapshot() ledger.Snapshot {
	return c.runner.cfg.Ledger.Snapshot(c.runner.cfg.Clock.Now())
}

func (c *runnerContext) NextOrderID() string {
	c.runner.orderSeq++
	return fmt.Sprintf("ord-%d", c.runner.orderSeq)
}

func (c *runnerContext) Cancel(clientOrderID string) bool {
	return c.runner.cfg.Venue.Cancel(c.runner.runCtx, clientOrderID)
}

// Submit routes an intent through the risk gate. A gate rejection is queued
// for OnRejection and reported as success here; only venue failures surface
// as errors.
func (c *runnerContext) Submit(intent schema.OrderIntent) error {
	r := c.runner
	decision := r.cfg.Gate.Evaluate(intent, r.cfg.Ledger.Snapshot(r.cfg.Clock.Now()))
	if !decision.Allowed {
		rejection := schema.Rejection{
			Intent:    intent,
			Reason:    decision.Reason,
			Detail:    decision.Detail,
			Timestamp: r.cfg.Clock.Now(),
		}
		r.report.Rejections = append(r.report.Rejections, rejection)
		r.pendingRejections = append(r.pendingRejections, rejection)
		r.cfg.Metrics.AddRejection(r.runCtx)
		r.logger.Printf("reject %s %s %s: %s", intent.ClientOrderID, intent.Side, intent.Symbol, decision.Detail)
		return nil
	}
	return r.cfg.Venue.Submit(r.runCtx, intent)
}
