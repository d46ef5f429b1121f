// Package config loads the risk core settings: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/mm-riskcore/internal/breaker"
	"github.com/atmx/mm-riskcore/internal/guard"
	"github.com/atmx/mm-riskcore/internal/ledger"
	"github.com/atmx/mm-riskcore/internal/marketlock"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the plain settings object. Share quantities are float64 here and
// converted to decimal at the component boundary.
type Config struct {
	Port         string `yaml:"port"`
	DatabaseURL  string `yaml:"databaseUrl"`
	RedisURL     string `yaml:"redisUrl"`
	RedisStream  string `yaml:"redisStream"`
	ExecutionURL string `yaml:"executionUrl"`
	LogLevel     string `yaml:"logLevel"`
	LogFormat    string `yaml:"logFormat"`

	MaxSharesPerSide        float64 `yaml:"maxSharesPerSide"`
	MaxTotalSharesPerMarket float64 `yaml:"maxTotalSharesPerMarket"`

	AllowOneSidedAddIfDeepEdge bool    `yaml:"allowOneSidedAddIfDeepEdge"`
	MicroAddMaxShares          float64 `yaml:"microAddMaxShares"`
	DeepEdgeThreshold          float64 `yaml:"deepEdgeThreshold"`
	PairedMinShares            float64 `yaml:"pairedMinShares"`
	PairedMaxImbalance         float64 `yaml:"pairedMaxImbalance"`

	LogThrottleMs  int  `yaml:"logThrottleMs"`
	MaxLockHoldMs  int  `yaml:"maxLockHoldMs"`
	DebounceOnce   bool `yaml:"debounceOnce"`
	DebounceWaitMs int  `yaml:"debounceWaitMs"`

	KPIWindowSize       int     `yaml:"kpiWindowSize"`
	MinHedgeSamples     int     `yaml:"minHedgeSamples"`
	MinHedgeSuccessRate float64 `yaml:"minHedgeSuccessRate"`
	MaxMedianHedgeLagMs int     `yaml:"maxMedianHedgeLagMs"`
	MaxP90HedgeLagMs    int     `yaml:"maxP90HedgeLagMs"`
	MinFillSamples      int     `yaml:"minFillSamples"`
	MinMakerRatio       float64 `yaml:"minMakerRatio"`
	MinFeeCompleteness  float64 `yaml:"minFeeCompleteness"`

	// HaltOnInvariantViolation halts trading on any ledger invariant breach.
	HaltOnInvariantViolation bool `yaml:"haltOnInvariantViolation"`
	SweepIntervalMs          int  `yaml:"sweepIntervalMs"`
	EventBuffer              int  `yaml:"eventBuffer"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Port:        "8080",
		RedisStream: "mm:risk-events",
		LogLevel:    "info",
		LogFormat:   "json",

		MaxSharesPerSide:        100,
		MaxTotalSharesPerMarket: 200,

		MicroAddMaxShares:  5,
		PairedMinShares:    20,
		PairedMaxImbalance: 0.2,

		LogThrottleMs:  5000,
		MaxLockHoldMs:  30000,
		DebounceWaitMs: 250,

		KPIWindowSize:       20,
		MinHedgeSamples:     5,
		MinHedgeSuccessRate: 0.8,
		MaxMedianHedgeLagMs: 2000,
		MaxP90HedgeLagMs:    5000,
		MinFillSamples:      5,

		SweepIntervalMs: 5000,
		EventBuffer:     1024,
	}
}

// Load reads defaults, the YAML file at path (skipped when path is empty),
// and environment overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"PORT":          &c.Port,
		"DATABASE_URL":  &c.DatabaseURL,
		"REDIS_URL":     &c.RedisURL,
		"REDIS_STREAM":  &c.RedisStream,
		"EXECUTION_URL": &c.ExecutionURL,
		"LOG_LEVEL":     &c.LogLevel,
		"LOG_FORMAT":    &c.LogFormat,
	}
	for k, p := range strs {
		if v, ok := lookup(k); ok && v != "" {
			*p = v
		}
	}

	floats := map[string]*float64{
		"MAX_SHARES_PER_SIDE":         &c.MaxSharesPerSide,
		"MAX_TOTAL_SHARES_PER_MARKET": &c.MaxTotalSharesPerMarket,
	}
	for k, p := range floats {
		if v, ok := lookup(k); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, k, v, err)
			}
			*p = f
		}
	}

	if v, ok := lookup("MAX_LOCK_HOLD_MS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MAX_LOCK_HOLD_MS=%q: %v", ErrInvalid, v, err)
		}
		c.MaxLockHoldMs = n
	}
	return nil
}

// Validate rejects settings the risk core cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.MaxSharesPerSide <= 0, "maxSharesPerSide must be positive, got %v", c.MaxSharesPerSide)
	check(c.MaxTotalSharesPerMarket <= 0, "maxTotalSharesPerMarket must be positive, got %v", c.MaxTotalSharesPerMarket)
	check(c.MaxTotalSharesPerMarket < c.MaxSharesPerSide,
		"maxTotalSharesPerMarket (%v) below maxSharesPerSide (%v)", c.MaxTotalSharesPerMarket, c.MaxSharesPerSide)
	check(c.MicroAddMaxShares < 0, "microAddMaxShares must not be negative")
	check(c.DeepEdgeThreshold < 0, "deepEdgeThreshold must not be negative")
	check(c.PairedMinShares < 0, "pairedMinShares must not be negative")
	check(c.PairedMaxImbalance < 0 || c.PairedMaxImbalance > 1,
		"pairedMaxImbalance must be within [0,1], got %v", c.PairedMaxImbalance)
	check(c.LogThrottleMs < 0, "logThrottleMs must not be negative")
	check(c.MaxLockHoldMs <= 0, "maxLockHoldMs must be positive")
	check(c.DebounceWaitMs < 0, "debounceWaitMs must not be negative")
	check(c.KPIWindowSize <= 0, "kpiWindowSize must be positive")
	check(c.MinHedgeSamples < 0 || c.MinFillSamples < 0, "sample minimums must not be negative")
	check(c.MinHedgeSuccessRate < 0 || c.MinHedgeSuccessRate > 1, "minHedgeSuccessRate must be within [0,1]")
	check(c.MaxMedianHedgeLagMs < 0 || c.MaxP90HedgeLagMs < 0, "hedge lag limits must not be negative")
	check(c.MinMakerRatio < 0 || c.MinMakerRatio > 1, "minMakerRatio must be within [0,1]")
	check(c.MinFeeCompleteness < 0 || c.MinFeeCompleteness > 1, "minFeeCompleteness must be within [0,1]")
	check(c.LogFormat != "json" && c.LogFormat != "text", "logFormat must be json or text, got %q", c.LogFormat)

	return errors.Join(errs...)
}

// Limits returns the ledger share caps.
func (c Config) Limits() ledger.Limits {
	return ledger.Limits{
		MaxSharesPerSide:        decimal.NewFromFloat(c.MaxSharesPerSide),
		MaxTotalSharesPerMarket: decimal.NewFromFloat(c.MaxTotalSharesPerMarket),
	}
}

// Freeze returns the one-sided freeze settings.
func (c Config) Freeze() guard.FreezeConfig {
	return guard.FreezeConfig{
		PairedMinShares:            decimal.NewFromFloat(c.PairedMinShares),
		PairedMaxImbalance:         decimal.NewFromFloat(c.PairedMaxImbalance),
		AllowOneSidedAddIfDeepEdge: c.AllowOneSidedAddIfDeepEdge,
		DeepEdgeThreshold:          decimal.NewFromFloat(c.DeepEdgeThreshold),
		MicroAddMaxShares:          decimal.NewFromFloat(c.MicroAddMaxShares),
	}
}

// Lock returns the market lock settings.
func (c Config) Lock() marketlock.Config {
	return marketlock.Config{
		MaxLockHold:  ms(c.MaxLockHoldMs),
		LogThrottle:  ms(c.LogThrottleMs),
		DebounceOnce: c.DebounceOnce,
		DebounceWait: ms(c.DebounceWaitMs),
	}
}

// Breaker returns the KPI thresholds.
func (c Config) Breaker() breaker.Config {
	return breaker.Config{
		WindowSize:          c.KPIWindowSize,
		MinHedgeSamples:     c.MinHedgeSamples,
		MinHedgeSuccessRate: c.MinHedgeSuccessRate,
		MaxMedianHedgeLag:   ms(c.MaxMedianHedgeLagMs),
		MaxP90HedgeLag:      ms(c.MaxP90HedgeLagMs),
		MinFillSamples:      c.MinFillSamples,
		MinMakerRatio:       c.MinMakerRatio,
		MinFeeCompleteness:  c.MinFeeCompleteness,
	}
}

// LogThrottle is the per-key repeated log window.
func (c Config) LogThrottle() time.Duration { return ms(c.LogThrottleMs) }

// SweepInterval is how often expired markets are cleared.
func (c Config) SweepInterval() time.Duration { return ms(c.SweepIntervalMs) }

// Logger builds the process logger from LogLevel and LogFormat.
func (c Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(c.LogLevel)}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// ParseLogLevel maps debug/warn/error to slog levels; anything else is info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
