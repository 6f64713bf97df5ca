package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lucks-13/foodtrace-capstone/pkg/api"
	"github.com/lucks-13/foodtrace-capstone/pkg/chain"
	"github.com/lucks-13/foodtrace-capstone/pkg/config"
	"github.com/lucks-13/foodtrace-capstone/pkg/ledger"
	"github.com/lucks-13/foodtrace-capstone/pkg/observability"
	"github.com/lucks-13/foodtrace-capstone/pkg/risk"
)

const shutdownTimeout = 10 * time.Second

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// app is the wired service graph behind the HTTP server.
type app struct {
	store   *chain.Store
	agg     *risk.Aggregator
	svc     *ledger.Service
	handler http.Handler
	obs     *observability.Provider
	closers []func() error
}

// buildApp wires config -> journal -> chain -> aggregator -> ledger -> api.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		_ = a.Close(context.Background())
		return nil, err
	}

	obsCfg := observability.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fail(fmt.Errorf("observability: %w", err))
	}
	a.obs = obs

	journal, err := openJournal(ctx, journalTarget(cfg), logger)
	if err != nil {
		return fail(err)
	}
	store, err := chain.Open(ctx, journal, chain.WithLogger(logger.With("component", "chain")))
	if err != nil {
		_ = journal.Close()
		return fail(fmt.Errorf("failed to open chain: %w", err))
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	var profile *config.RiskProfile
	if cfg.RiskProfilePath != "" {
		profile, err = config.LoadRiskProfile(cfg.RiskProfilePath)
		if err != nil {
			return fail(err)
		}
		logger.Info("risk profile loaded", "name", profile.Name, "path", cfg.RiskProfilePath)
	}
	rules, err := risk.CompilePolicy(profile.Policy())
	if err != nil {
		return fail(fmt.Errorf("risk policy: %w", err))
	}

	a.agg = risk.NewAggregator(rules, store,
		risk.WithStaleness(cfg.Staleness),
		risk.WithLogger(logger.With("component", "risk")),
	)
	if cfg.BaselinePath != "" {
		baseline, err := risk.LoadBaselineFile(cfg.BaselinePath)
		if err != nil {
			return fail(err)
		}
		if err := a.agg.IngestBaseline(baseline); err != nil {
			return fail(err)
		}
		logger.Info("baseline loaded", "districts", len(baseline), "path", cfg.BaselinePath)
	} else {
		logger.Warn("no baseline configured; district lookups will return not found")
	}

	a.svc, err = ledger.New(store, a.agg,
		ledger.WithStrictIDs(cfg.StrictIDs),
		ledger.WithMaxPayload(cfg.MaxPayload),
		ledger.WithLogger(logger.With("component", "ledger")),
		ledger.WithObservability(obs),
	)
	if err != nil {
		return fail(err)
	}

	opts := api.Options{
		CORSOrigins:    cfg.CORSOrigins,
		RateRPS:        cfg.RateRPS,
		RateBurst:      cfg.RateBurst,
		MaxInFlight:    cfg.MaxInFlight,
		ReadTimeoutMax: cfg.ReadTimeoutMax,
		MaxPayload:     cfg.MaxPayload,
		JWTSecret:      cfg.JWTSecret,
		Logger:         logger.With("component", "api"),
		Observability:  obs,
	}
	if cfg.RedisAddr != "" && cfg.RateRPS > 0 {
		limiter := api.NewRedisLimiterStore(cfg.RedisAddr, cfg.RateRPS, cfg.RateBurst)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := limiter.Ping(pingCtx); err != nil {
			logger.Warn("redis rate limiter unreachable; requests will be allowed until it recovers",
				"addr", cfg.RedisAddr, "error", err)
		}
		cancel()
		opts.Limiter = limiter
		a.closers = append(a.closers, limiter.Close)
	}
	if cfg.JWTSecret == "" {
		logger.Warn("FOODTRACE_JWT_SECRET not set; write routes are unauthenticated")
	}

	server, err := api.NewServer(a.svc, opts)
	if err != nil {
		return fail(err)
	}
	a.handler = server.Handler()
	return a, nil
}

// Close releases resources in reverse acquisition order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if a.obs != nil {
		errs = append(errs, a.obs.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel, stderr)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn("config: " + w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(stdout, "%sFoodTrace Ledger starting...%s\n", ColorBold+ColorBlue, ColorReset)
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	if cfg.RefreshInterval > 0 {
		go a.agg.Run(ctx, cfg.RefreshInterval)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "records", a.store.Len())
		errCh <- srv.ListenAndServe()
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		code = 1
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("failed to release resources", "error", err)
		code = 1
	}
	logger.Info("stopped")
	return code
}
