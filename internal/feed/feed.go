// Package feed produces the ordered market event sequences a run consumes:
// restartable historical files for backtests and bounded live streams.
package feed

import "context"

import "github.com/quantrail/quantrail/internal/schema"

// Feed yields events in timestamp order. Next returns io.EOF once a finite
// feed is exhausted; a recoverable data problem surfaces as an error of kind
// data with the event skipped, and the caller decides whether to continue.
// Live feeds may block in Next until data arrives or ctx is cancelled.
type Feed interface {
	Next(ctx context.Context) (*schema.Event, error)
}

// Restartable feeds can be re-iterated from the start, which lets repeated
// backtests and optimization sweeps replay bit-identical sequences.
type Restartable interface {
	Reset() error
}
