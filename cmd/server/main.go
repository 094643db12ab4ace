package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/outcome"
	"github.com/atmx/settlement-engine/internal/pricefeed"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "settlement-engine",
	Short: "Timed position settlement engine",
	Long: `settlement-engine runs binary options, leveraged futures, timed cycles
and collateralized loans against synthetic price series, settling every
position exactly once when its trigger fires.

Configuration is read from a YAML file (see --config) with ${VAR} expansion.
PORT, DATABASE_URL, REDIS_URL and SQLITE_PATH override the file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd, sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config and installs the default slog logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level, _ := cfg.Log.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore connects the configured backend. The returned cleanup closes
// every connection opened, in reverse order.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")

	case "sqlite":
		sq, err := store.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		logger.Info("using SQLite store", "path", cfg.Store.SQLitePath)

	default:
		logger.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Store.RedisURL != "" && cfg.Store.Driver != "memory" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
		logger.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL.String())
	}

	return st, closeAll, nil
}

// newPriceFeed seeds one generator with every configured instrument.
func newPriceFeed(cfg *config.Config) (*pricefeed.Generator, error) {
	seed := cfg.Engine.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	gen := pricefeed.NewGenerator(seed)
	for _, inst := range cfg.Instruments {
		if err := gen.Register(inst.Symbol, decimal.NewFromFloat(inst.Price), inst.Volatility); err != nil {
			return nil, fmt.Errorf("register %s: %w", inst.Symbol, err)
		}
	}
	return gen, nil
}

// buildEngine wires store, ledger, prices and products, then recovers
// persisted state. The configured outcome mode applies only when none has
// been persisted.
func buildEngine(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger, opts ...settlement.Option) (*settlement.Engine, error) {
	prices, err := newPriceFeed(cfg)
	if err != nil {
		return nil, err
	}

	opts = append([]settlement.Option{
		settlement.WithLogger(logger),
		settlement.WithLimiter(cfg.Limiter()),
	}, opts...)

	engine := settlement.New(cfg.SettlementConfig(), st, ledger.New(st, logger), prices, cfg.Products(), opts...)
	if err := engine.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}

	persisted, err := st.GetSetting(ctx, store.SettingOutcomeMode)
	if err != nil {
		return nil, fmt.Errorf("load outcome mode: %w", err)
	}
	if persisted == "" {
		mode, _ := outcome.ParseMode(cfg.Outcome.Mode)
		if mode != outcome.ModeAuto {
			if err := engine.SetOutcomeMode(ctx, mode); err != nil {
				return nil, err
			}
		}
	}
	return engine, nil
}
