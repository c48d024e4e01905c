// Command live runs a strategy against a websocket market data stream with
// paper execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

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
	out := flag.String("out", "", "Write the report JSON to this file instead of stdout")
	flag.Parse()

	logger := log.New(os.Stderr, "live ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if cfg.Mode != string(engine.ModeLive) {
		logger.Fatalf("live requires mode live, got %q", cfg.Mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Printf("shutdown telemetry: %v", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		logger.Fatalf("init metrics: %v", err)
	}

	strat, err := buildStrategy(cfg.Strategy, logger)
	if err != nil {
		logger.Fatalf("build strategy: %v", err)
	}

	ledgerCfg, err := cfg.LedgerSettings()
	if err != nil {
		logger.Fatalf("ledger config: %v", err)
	}

	sink := feed.NewLive(cfg.LiveFeed())
	stream := feed.NewWSStream(feed.WSConfig{URL: cfg.Feed.WSURL}, sink, logger)
	if err := stream.Start(ctx); err != nil {
		logger.Fatalf("start stream: %v", err)
	}

	var fees venue.FeeModel
	if cfg.Venue.FeeRate > 0 {
		fees = venue.ProportionalFee{Rate: decimal.NewFromFloat(cfg.Venue.FeeRate)}
	}

	runner, err := engine.NewRunner(engine.Config{
		Mode:     engine.ModeLive,
		Strategy: strat,
		Feed:     sink,
		Venue:    venue.NewPaper(fees),
		Ledger:   ledger.New(ledgerCfg),
		Gate:     risk.NewGate(cfg.Risk),
		Clock:    clock.NewWall(),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		logger.Fatalf("build runner: %v", err)
	}

	var (
		wg     conc.WaitGroup
		report *engine.Report
		runErr error
	)
	wg.Go(func() {
		report, runErr = runner.Run(ctx)
	})
	wg.Wait()
	stream.Stop()

	if runErr != nil {
		logger.Printf("run faulted: %v", runErr)
	}

	if err := writeReport(report, *out); err != nil {
		logger.Fatalf("write report: %v", err)
	}

	if dsn := cfg.Persistence.PostgresDSN; dsn != "" {
		archiveCtx := context.Background()
		pool, err := pgxpool.New(archiveCtx, dsn)
		if err != nil {
			logger.Fatalf("connect run archive: %v", err)
		}
		defer pool.Close()
		runID, err := postgres.NewRunStore(pool).SaveReport(archiveCtx, report)
		if err != nil {
			logger.Fatalf("archive report: %v", err)
		}
		logger.Printf("report archived as run %s", runID)
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
