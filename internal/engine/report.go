package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/schema"
)

// EquityPoint is one sample of the equity curve, taken after every processed
// event.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// Fault records the error that moved a session into the faulted state.
type Fault struct {
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Report is the complete outcome of one session. Two historical runs over the
// same inputs produce identical reports.
type Report struct {
	Strategy   string `json:"strategy"`
	Mode       Mode   `json:"mode"`
	FinalState State  `json:"final_state"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	EventsProcessed int64 `json:"events_processed"`
	DataErrors      int64 `json:"data_errors"`
	Warnings        int64 `json:"warnings"`

	Fills           []schema.Fill      `json:"fills"`
	Rejections      []schema.Rejection `json:"rejections"`
	CancelledOrders []string           `json:"cancelled_orders,omitempty"`
	EquityCurve     []EquityPoint      `json:"equity_curve"`

	Final ledger.Snapshot `json:"final"`
	Fault *Fault          `json:"fault,omitempty"`
}
