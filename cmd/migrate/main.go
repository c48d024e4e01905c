// Command migrate manages the run-archive schema. The target database comes
// from -database, or from the session configuration's persistence section
// when the flag is omitted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/quantrail/quantrail/internal/config"
	"github.com/quantrail/quantrail/internal/infra/persistence/migrations"
)

const defaultMigrationsPath = "db/migrations"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn        = flag.String("database", "", "PostgreSQL DSN; empty falls back to persistence.postgres_dsn in the session config")
		configPath = flag.String("config", "", "Session configuration YAML used for the DSN fallback")
		dir        = flag.String("path", defaultMigrationsPath, "Directory containing SQL migrations")
		steps      = flag.Int("steps", 1, "Number of migrations to roll back with the down command")
		timeout    = flag.Duration("timeout", 30*time.Second, "Maximum time to wait for database connectivity")
		quiet      = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		return errors.New("command required (up|down)")
	}
	if strings.TrimSpace(*dir) == "" {
		return errors.New("-path flag is required")
	}

	target, err := resolveDSN(*dsn, *configPath)
	if err != nil {
		return err
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "quantrail-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch command {
	case "up":
		return migrations.Apply(ctx, target, *dir, logger)
	case "down":
		if *steps < 1 {
			return fmt.Errorf("-steps must be >=1, got %d", *steps)
		}
		return migrations.Rollback(ctx, target, *dir, *steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", command)
	}
}

// resolveDSN prefers the explicit flag and otherwise reads the session
// configuration, which itself honors QUANTRAIL_CONFIG.
func resolveDSN(flagDSN, configPath string) (string, error) {
	if dsn := strings.TrimSpace(flagDSN); dsn != "" {
		return dsn, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("no -database flag and session config unavailable: %w", err)
	}
	dsn := strings.TrimSpace(cfg.Persistence.PostgresDSN)
	if dsn == "" {
		return "", errors.New("no database configured: set -database or persistence.postgres_dsn")
	}
	return dsn, nil
}
