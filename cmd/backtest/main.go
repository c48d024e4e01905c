// Command backtest replays a historical CSV feed through a strategy and
// prints the run report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/clock"
	"github.com/quantrail/quantrail/internal/config"
	"github.com/quantrail/quantrail/internal/engine"
	"github.com/quantrail/quantrail/internal/feed"
	"github.com/quantrail/quantrail/internal/infra/persistence/postgres"
	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/risk"
	"github.com/quantrail/quantrail/internal/strategy"
	"github.com/quantrail/quantrail/internal/strategy/js"
	"github.com/quantrail/quantrail/internal/venue"
	"github.com/quantrail/quantrail/lib/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to the session configuration YAML")
	dataPath := flag.String("data", "", "Override feed.csv_path from the configuration")
	out := flag.String("out", "", "Write the report JSON to this file instead of stdout")
	flag.Parse()

	logger := log.New(os.Stderr, "backtest ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *dataPath != "" {
		cfg.Feed.CSVPath = *dataPath
	}
	if cfg.Mode != string(engine.ModeHistorical) {
		logger.Fatalf("backtest requires mode historical, got %q", cfg.Mode)
	}

	ctx := context.Background()
	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Printf("shutdown telemetry: %v", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		logger.Fatalf("init metrics: %v", err)
	}

	feeder, err := feed.NewCSV(cfg.Feed.CSVPath)
	if err != nil {
		logger.Fatalf("open csv feed: %v", err)
	}
	defer feeder.Close()

	strat, err := buildStrategy(cfg.Strategy, logger)
	if err != nil {
		logger.Fatalf("build strategy: %v", err)
	}

	ledgerCfg, err := cfg.LedgerSettings()
	if err != nil {
		logger.Fatalf("ledger config: %v", err)
	}

	runner, err := engine.NewRunner(engine.Config{
		Mode:     engine.ModeHistorical,
		Strategy: strat,
		Feed:     feeder,
		Venue:    venue.NewSimulated(cfg.SimVenue()),
		Ledger:   ledger.New(ledgerCfg),
		Gate:     risk.NewGate(cfg.Risk),
		Clock:    clock.NewVirtual(time.Unix(0, 0).UTC()),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		logger.Fatalf("build runner: %v", err)
	}

	report, runErr := runner.Run(ctx)
	if runErr != nil {
		logger.Printf("run faulted: %v", runErr)
	}

	if err := writeReport(report, *out); err != nil {
		logger.Fatalf("write report: %v", err)
	}

	if dsn := cfg.Persistence.PostgresDSN; dsn != "" {
		if err := archiveReport(ctx, dsn, report, logger); err != nil {
			logger.Fatalf("archive report: %v", err)
		}
	}

	if runErr != nil {
		os.Exit(1)
	}
}

func buildStrategy(cfg config.StrategyConfig, logger *log.Logger) (strategy.Strategy, error) {
	switch cfg.Name {
	case "noop":
		return strategy.Noop{}, nil
	case "sma-cross":
		smaCfg := strategy.SMACrossConfig{
			FastWindow: intParam(cfg.Params, "fast_window"),
			SlowWindow: intParam(cfg.Params, "slow_window"),
		}
		if qty := stringParam(cfg.Params, "quantity"); qty != "" {
			parsed, err := decimal.NewFromString(qty)
			if err != nil {
				return nil, fmt.Errorf("strategy quantity: %w", err)
			}
			smaCfg.Quantity = parsed
		}
		return strategy.NewSMACross(smaCfg), nil
	case "js":
		module, err := js.LoadModule(cfg.Module)
		if err != nil {
			return nil, err
		}
		return js.New(module, cfg.Params, logger)
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Name)
	}
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return ""
	}
}

func writeReport(report *engine.Report, path string) error {
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	payload = append(payload, '\n')
	if path == "" {
		_, err = os.Stdout.Write(payload)
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func archiveReport(ctx context.Context, dsn string, report *engine.Report, logger *log.Logger) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect run archive: %w", err)
	}
	defer pool.Close()

	runID, err := postgres.NewRunStore(pool).SaveReport(ctx, report)
	if err != nil {
		return err
	}
	logger.Printf("report archived as run %s", runID)
	return nil
}
