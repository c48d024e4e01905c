package feed

import (
	"context"
	"io"
	"sync"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/schema"
)

// OverflowPolicy decides what a live feed does when its buffer is full.
type OverflowPolicy string

const (
	// OverflowBlock makes Push wait until the consumer catches up.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDrop discards the newest event and reports a data error, so a
	// stalled consumer degrades instead of growing without bound.
	OverflowDrop OverflowPolicy = "drop"
)

// LiveConfig sizes the single-consumer channel between the event source and
// the runner.
type LiveConfig struct {
	BufferSize int
	Overflow   OverflowPolicy
}

func (c LiveConfig) withDefaults() LiveConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Overflow == "" {
		c.Overflow = OverflowBlock
	}
	return c
}

// Live hands events from a producer goroutine (websocket reader, adapter
// callback) to the runner through a bounded ordered channel. Each event is
// delivered at most once; the feed is not restartable.
type Live struct {
	cfg LiveConfig
	ch  chan *schema.Event

	mu     sync.Mutex
	closed bool
}

// NewLive allocates the channel feed.
func NewLive(cfg LiveConfig) *Live {
	cfg = cfg.withDefaults()
	return &Live{cfg: cfg, ch: make(chan *schema.Event, cfg.BufferSize)}
}

// Push hands one event to the consumer. Behaviour on a full buffer follows
// the configured overflow policy.
func (l *Live) Push(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return errs.New("feed/live", errs.KindData, errs.WithMessage("nil event"))
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errs.New("feed/live", errs.KindData, errs.WithMessage("feed closed"))
	}
	l.mu.Unlock()

	if l.cfg.Overflow == OverflowDrop {
		select {
		case l.ch <- evt:
			return nil
		default:
			return errs.New("feed/live", errs.KindData,
				errs.WithSymbol(evt.Symbol),
				errs.WithMessage("live buffer full, event dropped"))
		}
	}

	select {
	case l.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the feed. Buffered events still drain; Next then reports io.EOF.
func (l *Live) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

// Next blocks until an event is available, the feed closes, or ctx ends.
func (l *Live) Next(ctx context.Context) (*schema.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case evt, ok := <-l.ch:
		if !ok {
			return nil, io.EOF
		}
		return evt, nil
	}
}
