package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/raulk/clock"
	"github.com/spf13/pflag"

	"dead-mans-switch/internal/api"
	"dead-mans-switch/internal/config"
	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/crypto"
	"dead-mans-switch/internal/deadman"
	"dead-mans-switch/internal/ledger"
	"dead-mans-switch/internal/store"
	"dead-mans-switch/internal/telemetry"
	"dead-mans-switch/internal/tick"
)

func main() {
	configPath := pflag.String("config", "", "path to the YAML config file")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "dms-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	// Bounds are written once, a later config cannot move them
	policy, err := store.Genesis(ctx, st, cfg.Policy.GlobalPolicy())
	if err != nil {
		return err
	}

	clk, err := newClock(cfg.Clock, logger)
	if err != nil {
		return err
	}

	genesis := make(map[core.Identity]ledger.Balance, len(cfg.Ledger.Genesis))
	for who, amount := range cfg.Ledger.Genesis {
		genesis[core.Identity(who)] = ledger.Balance(amount)
	}
	balances := ledger.NewBalances(core.Identity(cfg.Ledger.Root), genesis)

	opts := []deadman.Option{
		deadman.WithLogger(logger),
		deadman.WithMeter(tp.Meter("dead-mans-switch/deadman")),
	}
	if cfg.Audit.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o755); err != nil {
			return err
		}
		audit, err := core.NewFileAuditLogger(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer audit.Close()
		opts = append(opts, deadman.WithAudit(audit))
	}

	svc, err := deadman.New(st, policy, clk, balances, opts...)
	if err != nil {
		return err
	}

	// A crash between two writes of a non transactional backend can leave
	// the index behind the table
	if err := svc.CheckIndex(ctx); err != nil {
		logger.Warn("beneficiary index inconsistent, rebuilding", "error", err)
		if err := svc.RebuildIndex(ctx); err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
	}

	handler, err := api.NewHandler(svc, balances, crypto.NewVerifier(), api.Options{
		MaxSkew:   cfg.Server.MaxSkew,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
		Logger:    logger,
		Meter:     tp.Meter("dead-mans-switch/api"),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start the actual server
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting dead man's switch server",
			"addr", cfg.Server.Addr,
			"store", cfg.Store.Driver,
			"clock", cfg.Clock.Mode,
			"tick", svc.CurrentTick(),
			"min_delay", policy.MinDelay,
			"max_delay", policy.MaxDelay,
		)
		// TODO: to change with ListenAndServeTLS
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Driver {
	case config.DriverMemory:
		st = store.NewMemoryStore()
	case config.DriverJSON:
		// Try to make the dir if it doesn't exist
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		st, err = store.NewJSONStore(cfg.DataDir)
	case config.DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, err
			}
			dsn = filepath.Join(cfg.DataDir, "switches.db")
		}
		st, err = store.OpenSQL(ctx, store.DialectSQLite, dsn)
	case config.DriverPostgres:
		st, err = store.OpenSQL(ctx, store.DialectPostgres, cfg.DSN)
	case config.DriverRedis:
		rs := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		st = rs
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize > 0 {
		cached, err := store.NewCached(st, cfg.CacheSize)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		return cached, nil
	}
	return st, nil
}

// newClock builds the tick source. Nothing in the server advances a manual
// clock, so switches never expire on one.
func newClock(cfg config.ClockConfig, logger *slog.Logger) (tick.Source, error) {
	if cfg.Mode == config.ClockManual {
		logger.Warn("clock.mode manual is for tests and demos, the tick stays frozen and no switch will expire",
			"tick", cfg.Start)
		return tick.NewManual(core.Tick(cfg.Start)), nil
	}
	return tick.NewWall(clock.New(), cfg.Genesis, cfg.Interval)
}
