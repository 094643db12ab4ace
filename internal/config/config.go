// Package config loads the settlement engine's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/settlement-engine/internal/instrument"
	"github.com/atmx/settlement-engine/internal/limits"
	"github.com/atmx/settlement-engine/internal/outcome"
	"github.com/atmx/settlement-engine/internal/product"
	"github.com/atmx/settlement-engine/internal/settlement"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Log         LogConfig          `yaml:"log"`
	Store       StoreConfig        `yaml:"store"`
	Engine      EngineConfig       `yaml:"engine"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Outcome     OutcomeConfig      `yaml:"outcome"`
	Binary      BinaryConfig       `yaml:"binary"`
	Futures     FuturesConfig      `yaml:"futures"`
	Cycle       CycleConfig        `yaml:"cycle"`
	Loan        LoanConfig         `yaml:"loan"`
	Limits      LimitsConfig       `yaml:"limits"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// StoreConfig selects the persistence backend. An empty driver is inferred:
// postgres when a database URL is set, sqlite when a path is set, otherwise
// memory.
type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// EngineConfig holds the evaluation cadence and settlement budget.
type EngineConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	SettleConcurrency int           `yaml:"settle_concurrency"`
	SettleTimeout     time.Duration `yaml:"settle_timeout"`
	SettleRetries     int           `yaml:"settle_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	Seed              uint64        `yaml:"seed"`
}

// InstrumentConfig seeds one synthetic price series.
type InstrumentConfig struct {
	Symbol     string  `yaml:"symbol"`
	Price      float64 `yaml:"price"`
	Volatility float64 `yaml:"volatility"`
}

// OutcomeConfig sets the mode used when none has been persisted yet.
type OutcomeConfig struct {
	Mode  string  `yaml:"mode"`
	Nudge float64 `yaml:"nudge"`
}

type BinaryConfig struct {
	PayoutRate float64         `yaml:"payout_rate"`
	MinStake   float64         `yaml:"min_stake"`
	Durations  []time.Duration `yaml:"durations"`
}

type FuturesConfig struct {
	MaxLeverage float64 `yaml:"max_leverage"`
	MinStake    float64 `yaml:"min_stake"`
}

type CycleConfig struct {
	Tiers []TierConfig `yaml:"tiers"`
}

// TierConfig is one capital tier. A zero max_stake is unbounded.
type TierConfig struct {
	Name       string        `yaml:"name"`
	MinStake   float64       `yaml:"min_stake"`
	MaxStake   float64       `yaml:"max_stake"`
	ProfitRate float64       `yaml:"profit_rate"`
	Duration   time.Duration `yaml:"duration"`
}

type LoanConfig struct {
	LTV         float64      `yaml:"ltv"`
	BorrowTerms []TermConfig `yaml:"borrow_terms"`
	LendTerms   []TermConfig `yaml:"lend_terms"`
}

type TermConfig struct {
	Duration time.Duration `yaml:"duration"`
	Rate     float64       `yaml:"rate"`
}

// LimitsConfig caps open notional per user. Zero disables a cap.
type LimitsConfig struct {
	MaxPerInstrument float64 `yaml:"max_per_instrument"`
	MaxPerBase       float64 `yaml:"max_per_base"`
}

// Load reads a YAML config file and expands ${VAR} references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML with environment expansion.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// LoadAndValidate loads path (or starts from an empty config when path is
// empty), applies environment overrides and defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv lets the deployment environment override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Server.AllowedOrigin == "" {
		c.Server.AllowedOrigin = "*"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Store.Driver == "" {
		switch {
		case c.Store.DatabaseURL != "":
			c.Store.Driver = "postgres"
		case c.Store.SQLitePath != "":
			c.Store.Driver = "sqlite"
		default:
			c.Store.Driver = "memory"
		}
	}
	if c.Store.CacheTTL == 0 {
		c.Store.CacheTTL = 30 * time.Second
	}

	def := settlement.DefaultConfig()
	if c.Engine.TickInterval == 0 {
		c.Engine.TickInterval = def.TickInterval
	}
	if c.Engine.SettleConcurrency == 0 {
		c.Engine.SettleConcurrency = def.SettleConcurrency
	}
	if c.Engine.SettleTimeout == 0 {
		c.Engine.SettleTimeout = def.SettleTimeout
	}
	if c.Engine.SettleRetries == 0 {
		c.Engine.SettleRetries = def.SettleRetries
	}
	if c.Engine.RetryBackoff == 0 {
		c.Engine.RetryBackoff = def.RetryBackoff
	}

	if len(c.Instruments) == 0 {
		c.Instruments = []InstrumentConfig{
			{Symbol: "BTC/USDT", Price: 94500, Volatility: 0.002},
			{Symbol: "ETH/USDT", Price: 3200, Volatility: 0.003},
			{Symbol: "SOL/USDT", Price: 180, Volatility: 0.004},
		}
	}

	if c.Outcome.Mode == "" {
		c.Outcome.Mode = string(outcome.ModeAuto)
	}
	if c.Outcome.Nudge == 0 {
		c.Outcome.Nudge = outcome.DefaultNudge.InexactFloat64()
	}

	if c.Binary.PayoutRate == 0 {
		c.Binary.PayoutRate = product.DefaultPayoutRate.InexactFloat64()
	}
	if len(c.Binary.Durations) == 0 {
		c.Binary.Durations = []time.Duration{30 * time.Second, time.Minute, 3 * time.Minute, 5 * time.Minute}
	}

	if c.Futures.MaxLeverage == 0 {
		c.Futures.MaxLeverage = 100
	}

	if len(c.Cycle.Tiers) == 0 {
		c.Cycle.Tiers = []TierConfig{
			{Name: "starter", MinStake: 100, MaxStake: 999.99, ProfitRate: 0.012, Duration: 24 * time.Hour},
			{Name: "advanced", MinStake: 1000, MaxStake: 9999.99, ProfitRate: 0.025, Duration: 3 * 24 * time.Hour},
			{Name: "premium", MinStake: 10000, ProfitRate: 0.05, Duration: 7 * 24 * time.Hour},
		}
	}

	if c.Loan.LTV == 0 {
		c.Loan.LTV = 0.65
	}
	if len(c.Loan.BorrowTerms) == 0 {
		c.Loan.BorrowTerms = []TermConfig{
			{Duration: 7 * 24 * time.Hour, Rate: 0.05},
			{Duration: 30 * 24 * time.Hour, Rate: 0.12},
		}
	}
	if len(c.Loan.LendTerms) == 0 {
		c.Loan.LendTerms = []TermConfig{
			{Duration: 30 * 24 * time.Hour, Rate: 0.073},
			{Duration: 90 * 24 * time.Hour, Rate: 0.085},
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres driver"))
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory, sqlite or postgres, got %q", c.Store.Driver))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if c.Engine.TickInterval < 0 || c.Engine.SettleTimeout < 0 || c.Engine.RetryBackoff < 0 {
		errs = append(errs, errors.New("engine durations must not be negative"))
	}
	if c.Engine.SettleConcurrency < 0 || c.Engine.SettleRetries < 0 {
		errs = append(errs, errors.New("engine.settle_concurrency and engine.settle_retries must not be negative"))
	}

	seen := make(map[string]bool, len(c.Instruments))
	for i, inst := range c.Instruments {
		sym, err := instrument.Parse(inst.Symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("instruments[%d]: %w", i, err))
			continue
		}
		if seen[sym.Raw] {
			errs = append(errs, fmt.Errorf("instruments[%d]: duplicate symbol %s", i, sym.Raw))
		}
		seen[sym.Raw] = true
		if inst.Price <= 0 {
			errs = append(errs, fmt.Errorf("instruments[%d]: price must be positive", i))
		}
		if inst.Volatility < 0 || inst.Volatility >= 1 {
			errs = append(errs, fmt.Errorf("instruments[%d]: volatility must be in [0, 1)", i))
		}
	}

	if _, err := outcome.ParseMode(c.Outcome.Mode); err != nil {
		errs = append(errs, err)
	}

	if c.Binary.PayoutRate <= 0 {
		errs = append(errs, errors.New("binary.payout_rate must be positive"))
	}
	for _, d := range c.Binary.Durations {
		if d <= 0 {
			errs = append(errs, errors.New("binary.durations must be positive"))
			break
		}
	}
	if c.Futures.MaxLeverage < 1 {
		errs = append(errs, errors.New("futures.max_leverage must be at least 1"))
	}
	for i, t := range c.Cycle.Tiers {
		if t.MaxStake != 0 && t.MaxStake < t.MinStake {
			errs = append(errs, fmt.Errorf("cycle.tiers[%d]: max_stake below min_stake", i))
		}
		if t.Duration <= 0 {
			errs = append(errs, fmt.Errorf("cycle.tiers[%d]: duration must be positive", i))
		}
	}
	if c.Loan.LTV <= 0 || c.Loan.LTV > 1 {
		errs = append(errs, errors.New("loan.ltv must be in (0, 1]"))
	}
	if c.Limits.MaxPerInstrument < 0 || c.Limits.MaxPerBase < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", l.Level)
}

// SettlementConfig converts the engine section.
func (c *Config) SettlementConfig() settlement.Config {
	return settlement.Config{
		TickInterval:      c.Engine.TickInterval,
		SettleConcurrency: c.Engine.SettleConcurrency,
		SettleTimeout:     c.Engine.SettleTimeout,
		SettleRetries:     c.Engine.SettleRetries,
		RetryBackoff:      c.Engine.RetryBackoff,
		Nudge:             decimal.NewFromFloat(c.Outcome.Nudge),
	}
}

// Products builds the adapter registry from the product sections.
func (c *Config) Products() *product.Registry {
	tiers := make([]product.Tier, 0, len(c.Cycle.Tiers))
	for _, t := range c.Cycle.Tiers {
		tiers = append(tiers, product.Tier{
			Name:       t.Name,
			MinStake:   decimal.NewFromFloat(t.MinStake),
			MaxStake:   decimal.NewFromFloat(t.MaxStake),
			ProfitRate: decimal.NewFromFloat(t.ProfitRate),
			Duration:   t.Duration,
		})
	}

	return product.NewRegistry(
		product.NewBinary(product.BinaryConfig{
			PayoutRate: decimal.NewFromFloat(c.Binary.PayoutRate),
			MinStake:   decimal.NewFromFloat(c.Binary.MinStake),
			Durations:  c.Binary.Durations,
		}),
		product.NewFutures(product.FuturesConfig{
			MaxLeverage: decimal.NewFromFloat(c.Futures.MaxLeverage),
			MinStake:    decimal.NewFromFloat(c.Futures.MinStake),
		}),
		product.NewCycle(product.CycleConfig{Tiers: tiers}),
		product.NewLoan(product.LoanConfig{
			LTV:         decimal.NewFromFloat(c.Loan.LTV),
			BorrowTerms: terms(c.Loan.BorrowTerms),
			LendTerms:   terms(c.Loan.LendTerms),
		}),
	)
}

func terms(in []TermConfig) []product.Term {
	out := make([]product.Term, 0, len(in))
	for _, t := range in {
		out = append(out, product.Term{Duration: t.Duration, Rate: decimal.NewFromFloat(t.Rate)})
	}
	return out
}

// Limiter returns the exposure limiter, or nil when no cap is set.
func (c *Config) Limiter() *limits.ExposureLimiter {
	if c.Limits.MaxPerInstrument <= 0 && c.Limits.MaxPerBase <= 0 {
		return nil
	}
	return limits.NewExposureLimiter(
		decimal.NewFromFloat(c.Limits.MaxPerInstrument),
		decimal.NewFromFloat(c.Limits.MaxPerBase),
	)
}
