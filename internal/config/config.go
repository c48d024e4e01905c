// Package config loads and validates the YAML session configuration shared
// by the backtest and live commands.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/quantrail/quantrail/internal/engine"
	"github.com/quantrail/quantrail/internal/feed"
	"github.com/quantrail/quantrail/internal/ledger"
	"github.com/quantrail/quantrail/internal/risk"
	"github.com/quantrail/quantrail/internal/venue"
	"github.com/quantrail/quantrail/lib/telemetry"
)

// StrategyConfig selects and parameterizes the strategy for the session.
type StrategyConfig struct {
	// Name is a built-in strategy name, or "js" to load Module.
	Name string `yaml:"name"`
	// Module is the path to a JavaScript strategy file when Name is "js".
	Module string         `yaml:"module"`
	Params map[string]any `yaml:"params"`
}

// LedgerConfig sizes the account.
type LedgerConfig struct {
	InitialCash   string `yaml:"initial_cash"`
	MarginEnabled bool   `yaml:"margin_enabled"`
}

// VenueConfig parameterizes the simulated venue.
type VenueConfig struct {
	FillPolicy  string  `yaml:"fill_policy"`
	FeeRate     float64 `yaml:"fee_rate"`
	SlippageBPS float64 `yaml:"slippage_bps"`
	VolumeShare float64 `yaml:"volume_share"`
	HaircutMin  float64 `yaml:"haircut_min"`
	Seed        int64   `yaml:"seed"`
	// Latency is a Go duration string, for example "250ms".
	Latency string `yaml:"latency"`
}

// FeedConfig selects the event source.
type FeedConfig struct {
	CSVPath    string `yaml:"csv_path"`
	WSURL      string `yaml:"ws_url"`
	BufferSize int    `yaml:"buffer_size"`
	Overflow   string `yaml:"overflow"`
}

// PersistenceConfig points at the optional run archive.
type PersistenceConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Session is the root configuration document.
type Session struct {
	Mode        string            `yaml:"mode"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Risk        risk.Limits       `yaml:"risk"`
	Venue       VenueConfig       `yaml:"venue"`
	Feed        FeedConfig        `yaml:"feed"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// Load reads a session configuration YAML document from disk. An empty path
// falls back to QUANTRAIL_CONFIG, then to config/session.yaml.
func Load(path string) (Session, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("QUANTRAIL_CONFIG"))
	}
	if path == "" {
		path = "config/session.yaml"
	}

	// #nosec G304 -- config path is operator provided.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("read session config: %w", err)
	}

	var cfg Session
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Session{}, fmt.Errorf("unmarshal session config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Session{}, err
	}
	return cfg, nil
}

// Validate performs semantic validation on the loaded configuration.
func (c Session) Validate() error {
	switch engine.Mode(c.Mode) {
	case engine.ModeHistorical:
		if strings.TrimSpace(c.Feed.CSVPath) == "" {
			return fmt.Errorf("historical mode requires feed.csv_path")
		}
	case engine.ModeLive:
		if strings.TrimSpace(c.Feed.WSURL) == "" {
			return fmt.Errorf("live mode requires feed.ws_url")
		}
	default:
		return fmt.Errorf("mode must be historical or live, got %q", c.Mode)
	}

	if strings.TrimSpace(c.Strategy.Name) == "" {
		return fmt.Errorf("strategy name required")
	}
	if c.Strategy.Name == "js" && strings.TrimSpace(c.Strategy.Module) == "" {
		return fmt.Errorf("js strategy requires strategy.module")
	}

	if _, err := c.InitialCash(); err != nil {
		return err
	}

	switch c.Venue.FillPolicy {
	case "", string(venue.FillPolicyNextOpen), string(venue.FillPolicySameClose):
	default:
		return fmt.Errorf("venue fill_policy must be next_open or same_close, got %q", c.Venue.FillPolicy)
	}
	if c.Venue.FeeRate < 0 {
		return fmt.Errorf("venue fee_rate must be >=0")
	}
	if c.Venue.SlippageBPS < 0 {
		return fmt.Errorf("venue slippage_bps must be >=0")
	}
	if raw := strings.TrimSpace(c.Venue.Latency); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("venue latency: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("venue latency must be >=0")
		}
	}

	if c.Risk.MaxDrawdown < 0 || c.Risk.MaxDrawdown > 1 {
		return fmt.Errorf("risk max_drawdown must be within [0,1]")
	}
	if c.Risk.PositionSizePct < 0 || c.Risk.PositionSizePct > 1 {
		return fmt.Errorf("risk position_size_pct must be within [0,1]")
	}

	switch feed.OverflowPolicy(c.Feed.Overflow) {
	case "", feed.OverflowBlock, feed.OverflowDrop:
	default:
		return fmt.Errorf("feed overflow must be block or drop, got %q", c.Feed.Overflow)
	}
	return nil
}

// InitialCash parses the configured starting balance, defaulting to 100000.
func (c Session) InitialCash() (decimal.Decimal, error) {
	raw := strings.TrimSpace(c.Ledger.InitialCash)
	if raw == "" {
		return decimal.NewFromInt(100_000), nil
	}
	cash, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger initial_cash: %w", err)
	}
	if cash.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("ledger initial_cash must be positive")
	}
	return cash, nil
}

// LedgerSettings builds the ledger construction parameters.
func (c Session) LedgerSettings() (ledger.Config, error) {
	cash, err := c.InitialCash()
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		InitialCash:   cash,
		MarginEnabled: c.Ledger.MarginEnabled,
	}, nil
}

// SimVenue builds the simulated venue settings from the venue section.
func (c Session) SimVenue() venue.SimConfig {
	cfg := venue.SimConfig{
		FillPolicy: venue.FillPolicy(c.Venue.FillPolicy),
	}
	if raw := strings.TrimSpace(c.Venue.Latency); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Latency = d
		}
	}
	if c.Venue.SlippageBPS > 0 {
		cfg.Slippage = venue.BasisPointSlippage{BPS: decimal.NewFromFloat(c.Venue.SlippageBPS)}
	}
	if c.Venue.FeeRate > 0 {
		cfg.Fees = venue.ProportionalFee{Rate: decimal.NewFromFloat(c.Venue.FeeRate)}
	}
	switch {
	case c.Venue.HaircutMin > 0:
		cfg.Liquidity = venue.NewRandomHaircutLiquidity(decimal.NewFromFloat(c.Venue.HaircutMin), c.Venue.Seed)
	case c.Venue.VolumeShare > 0:
		cfg.Liquidity = venue.VolumeShareLiquidity{Share: decimal.NewFromFloat(c.Venue.VolumeShare)}
	}
	return cfg
}

// LiveFeed builds the live feed settings from the feed section.
func (c Session) LiveFeed() feed.LiveConfig {
	return feed.LiveConfig{
		BufferSize: c.Feed.BufferSize,
		Overflow:   feed.OverflowPolicy(c.Feed.Overflow),
	}
}
