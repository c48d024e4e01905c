// Package errs provides structured error types shared across the Quantrail kernel.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind identifies the error taxonomy of the simulation kernel.
type Kind string

const (
	// KindData indicates a malformed or missing market data record. Recoverable:
	// the affected event is skipped and counted.
	KindData Kind = "data"
	// KindOrdering indicates a timestamp regression in an event feed.
	KindOrdering Kind = "ordering"
	// KindRiskRejected indicates an order blocked by the risk gate. This is a
	// control-flow outcome, not a failure.
	KindRiskRejected Kind = "risk_rejected"
	// KindAccounting indicates a ledger invariant violation. Always fatal.
	KindAccounting Kind = "accounting"
	// KindStrategy indicates a fault raised by user strategy code. Fatal.
	KindStrategy Kind = "strategy"
	// KindVenue indicates an execution venue failure.
	KindVenue Kind = "venue"
	// KindConfig indicates invalid configuration supplied by the caller.
	KindConfig Kind = "config"
	// KindInternal captures uncategorized kernel failures.
	KindInternal Kind = "internal"
)

// E captures structured error information produced across the kernel.
type E struct {
	Stage   string
	Kind    Kind
	Symbol  string
	OrderID string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating stage and error kind.
func New(stage string, kind Kind, opts ...Option) *E {
	e := &E{
		Stage:   strings.TrimSpace(stage),
		Kind:    kind,
		Symbol:  "",
		OrderID: "",
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithSymbol records the instrument the error relates to.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithOrderID records the client order id the error relates to.
func WithOrderID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	stage := strings.TrimSpace(e.Stage)
	if stage == "" {
		stage = "unknown"
	}
	parts = append(parts, "stage="+stage)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = string(KindInternal)
	}
	parts = append(parts, "kind="+kind)

	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.OrderID != "" {
		parts = append(parts, "order_id="+e.OrderID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the kind from err, returning KindInternal when err does not
// carry an envelope.
func KindOf(err error) Kind {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries an envelope of the given kind.
func IsKind(err error, kind Kind) bool {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Kind == kind
	}
	return false
}

// IsFatal reports whether err must abort a run. Accounting, strategy, and
// uncategorized failures always abort; ordering faults abort in historical
// mode (the runner downgrades them to warnings for live feeds before they
// reach this check).
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAccounting, KindStrategy, KindOrdering, KindInternal:
		return true
	default:
		return false
	}
}
