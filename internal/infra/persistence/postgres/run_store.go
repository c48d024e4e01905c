package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantrail/quantrail/internal/engine"
	"github.com/quantrail/quantrail/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories for the run archive.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// RunStore archives finished session reports for later comparison.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore constructs a RunStore backed by the provided pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// RunSummary is the run-level row without its fills and curve.
type RunSummary struct {
	ID              uuid.UUID
	Strategy        string
	Mode            string
	FinalState      string
	StartedAt       time.Time
	FinishedAt      time.Time
	EventsProcessed int64
	DataErrors      int64
	Warnings        int64
	FillCount       int
	RejectionCount  int
	FinalEquity     string
	FinalCash       string
	RealizedPnL     string
	FaultMessage    string
}

const (
	runInsertSQL = `
INSERT INTO runs (
    id,
    strategy,
    mode,
    final_state,
    started_at,
    finished_at,
    events_processed,
    data_errors,
    warnings,
    final_equity,
    final_cash,
    realized_pnl,
    fault_message,
    created_at
)
VALUES (
    @id,
    @strategy,
    @mode,
    @final_state,
    @started_at,
    @finished_at,
    @events_processed,
    @data_errors,
    @warnings,
    @final_equity,
    @final_cash,
    @realized_pnl,
    @fault_message,
    NOW()
);
`

	fillInsertSQL = `
INSERT INTO run_fills (
    run_id,
    seq,
    venue_fill_id,
    client_order_id,
    symbol,
    side,
    quantity,
    price,
    fee,
    traded_at
)
VALUES (
    @run_id, @seq, @venue_fill_id, @client_order_id, @symbol, @side,
    @quantity, @price, @fee, @traded_at
);
`

	rejectionInsertSQL = `
INSERT INTO run_rejections (
    run_id,
    seq,
    client_order_id,
    symbol,
    side,
    reason,
    detail,
    rejected_at
)
VALUES (
    @run_id, @seq, @client_order_id, @symbol, @side, @reason, @detail, @rejected_at
);
`

	equityInsertSQL = `
INSERT INTO run_equity (
    run_id,
    seq,
    sampled_at,
    equity,
    drawdown
)
VALUES (@run_id, @seq, @sampled_at, @equity, @drawdown);
`

	runSelectSQL = `
SELECT
    r.id,
    r.strategy,
    r.mode,
    r.final_state,
    r.started_at,
    r.finished_at,
    r.events_processed,
    r.data_errors,
    r.warnings,
    (SELECT COUNT(*) FROM run_fills f WHERE f.run_id = r.id),
    (SELECT COUNT(*) FROM run_rejections j WHERE j.run_id = r.id),
    r.final_equity::text,
    r.final_cash::text,
    r.realized_pnl::text,
    COALESCE(r.fault_message, '')
FROM runs r
`
)

// SaveReport archives one finished report under a fresh run id. Everything is
// written in a single transaction so a partial archive never appears.
func (s *RunStore) SaveReport(ctx context.Context, report *engine.Report) (uuid.UUID, error) {
	if s.pool == nil {
		return uuid.Nil, fmt.Errorf("run store: nil pool")
	}
	if report == nil {
		return uuid.Nil, fmt.Errorf("run store: nil report")
	}

	runID := uuid.New()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("run store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	equity, err := numericFromDecimal(report.Final.Equity)
	if err != nil {
		return uuid.Nil, fmt.Errorf("run store: final equity: %w", err)
	}
	cash, err := numericFromDecimal(report.Final.Cash)
	if err != nil {
		return uuid.Nil, fmt.Errorf("run store: final cash: %w", err)
	}
	realized, err := numericFromDecimal(report.Final.RealizedPnL)
	if err != nil {
		return uuid.Nil, fmt.Errorf("run store: realized pnl: %w", err)
	}

	var faultMessage any
	if report.Fault != nil {
		faultMessage = report.Fault.Message
	}

	args := pgx.NamedArgs{
		"id":               runID,
		"strategy":         report.Strategy,
		"mode":             string(report.Mode),
		"final_state":      string(report.FinalState),
		"started_at":       report.StartedAt,
		"finished_at":      report.FinishedAt,
		"events_processed": report.EventsProcessed,
		"data_errors":      report.DataErrors,
		"warnings":         report.Warnings,
		"final_equity":     equity,
		"final_cash":       cash,
		"realized_pnl":     realized,
		"fault_message":    faultMessage,
	}
	if _, err := tx.Exec(ctx, runInsertSQL, args); err != nil {
		return uuid.Nil, fmt.Errorf("run store: insert run: %w", err)
	}

	for i, fill := range report.Fills {
		qty, err := numericFromDecimal(fill.Quantity)
		if err != nil {
			return uuid.Nil, fmt.Errorf("run store: fill quantity: %w", err)
		}
		price, err := numericFromDecimal(fill.Price)
		if err != nil {
			return uuid.Nil, fmt.Errorf("run store: fill price: %w", err)
		}
		fee, err := numericFromDecimal(fill.Fee)
		if err != nil {
			return uuid.Nil, fmt.Errorf("run store: fill fee: %w", err)
		}
		fillArgs := pgx.NamedArgs{
			"run_id":          runID,
			"seq":             i,
			"venue_fill_id":   fill.VenueFillID,
			"client_order_id": fill.ClientOrderID,
			"symbol":          fill.Symbol,
			"side":            string(fill.Side),
			"quantity":        qty,
			"price":           price,
			"fee":             fee,
			"traded_at":       fill.Timestamp,
		}
		if _, err := tx.Exec(ctx, fillInsertSQL, fillArgs); err != nil {
			return uuid.Nil, fmt.Errorf("run store: insert fill %d: %w", i, err)
		}
	}

	for i, rejection := range report.Rejections {
		rejArgs := pgx.NamedArgs{
			"run_id":          runID,
			"seq":             i,
			"client_order_id": rejection.Intent.ClientOrderID,
			"symbol":          rejection.Intent.Symbol,
			"side":            string(rejection.Intent.Side),
			"reason":          string(rejection.Reason),
			"detail":          rejection.Detail,
			"rejected_at":     rejection.Timestamp,
		}
		if _, err := tx.Exec(ctx, rejectionInsertSQL, rejArgs); err != nil {
			return uuid.Nil, fmt.Errorf("run store: insert rejection %d: %w", i, err)
		}
	}

	for i, point := range report.EquityCurve {
		eq, err := numericFromDecimal(point.Equity)
		if err != nil {
			return uuid.Nil, fmt.Errorf("run store: equity point: %w", err)
		}
		dd, err := numericFromDecimal(point.Drawdown)
		if err != nil {
			return uuid.Nil, fmt.Errorf("run store: drawdown point: %w", err)
		}
		pointArgs := pgx.NamedArgs{
			"run_id":     runID,
			"seq":        i,
			"sampled_at": point.Timestamp,
			"equity":     eq,
			"drawdown":   dd,
		}
		if _, err := tx.Exec(ctx, equityInsertSQL, pointArgs); err != nil {
			return uuid.Nil, fmt.Errorf("run store: insert equity point %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("run store: commit: %w", err)
	}
	return runID, nil
}

// GetRun loads one archived run summary.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (RunSummary, error) {
	if s.pool == nil {
		return RunSummary{}, fmt.Errorf("run store: nil pool")
	}
	row := s.pool.QueryRow(ctx, runSelectSQL+"WHERE r.id = $1", id)
	return scanRunSummary(row)
}

// ListRuns returns the most recent archived runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("run store: nil pool")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, runSelectSQL+"ORDER BY r.created_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("run store: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		summary, err := scanRunSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run store: iterate runs: %w", err)
	}
	return out, nil
}

func scanRunSummary(row pgx.Row) (RunSummary, error) {
	var summary RunSummary
	err := row.Scan(
		&summary.ID,
		&summary.Strategy,
		&summary.Mode,
		&summary.FinalState,
		&summary.StartedAt,
		&summary.FinishedAt,
		&summary.EventsProcessed,
		&summary.DataErrors,
		&summary.Warnings,
		&summary.FillCount,
		&summary.RejectionCount,
		&summary.FinalEquity,
		&summary.FinalCash,
		&summary.RealizedPnL,
		&summary.FaultMessage,
	)
	if err != nil {
		return RunSummary{}, fmt.Errorf("run store: scan run: %w", err)
	}
	return summary, nil
}
