package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tickpool/config"
	"tickpool/core/events"
	"tickpool/gateway/middleware"
	"tickpool/native/bank"
	"tickpool/native/pool"
	"tickpool/observability"
	"tickpool/observability/logging"
	telemetry "tickpool/observability/otel"
	"tickpool/services/pool/server"
	pooldconfig "tickpool/services/poold/config"
	bankstate "tickpool/state/bank"
	poolstate "tickpool/state/pool"
	"tickpool/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/poold/config.yaml", "path to poold config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("poold exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := pooldconfig.Load(cfgPath)
	if err != nil {
		return err
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("TICKPOOL_ENV"))
	}
	logger := logging.SetupWithOptions("poold", env, logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "poold",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	poolCfg, err := config.Load(cfg.PoolConfig)
	if err != nil {
		return err
	}
	engine, closeDB, err := buildEngine(poolCfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	var liquidations server.LiquidationBook
	if book, ok := engine.Liquidator().(server.LiquidationBook); ok {
		liquidations = book
	}
	srv, err := server.New(server.Config{
		Ledger:       engine,
		Liquidations: liquidations,
		Logger:       logger,
		Auth:         authConfig(cfg.Auth),
		RateLimits:   rateLimits(cfg.RateLimits),
		CORS:         middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Observability: middleware.ObservabilityConfig{
			ServiceName: "poold",
			LogRequests: cfg.Telemetry.LogRequests,
			Enabled:     true,
		},
		WriteScope: cfg.Auth.WriteScope,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), "poold"),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout.Duration,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("poold listening", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("poold shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildEngine wires storage, the vault and the collateral collaborators into
// a pool engine.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*pool.Engine, func(), error) {
	params, err := cfg.PoolParams()
	if err != nil {
		return nil, nil, err
	}
	model, err := cfg.Model()
	if err != nil {
		return nil, nil, err
	}
	collab, err := cfg.Collaborators()
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, err
	}
	store, err := poolstate.NewStore(db, cfg.Storage.NodeCacheSize)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	vault, err := openVault(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	engine, err := pool.NewEngine(params, model)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	engine.SetState(store)
	engine.SetVault(vault)
	engine.SetLogger(logger.With(slog.String("component", "pool")))
	engine.SetEmitter(events.Fanout{events.LogEmitter{Logger: logger}, observability.EventCounter{}})
	engine.SetPauses(collab.Pauses)
	if collab.Filter != nil {
		engine.SetCollateralFilter(collab.Filter)
	}
	if collab.Oracle != nil {
		engine.SetPriceOracle(collab.Oracle)
	}
	if collab.Liquidator != nil {
		engine.SetLiquidator(collab.Liquidator)
	}
	for token, wrapper := range collab.Wrappers {
		engine.RegisterWrapper(token, wrapper)
	}
	logger.Info("pool engine ready",
		slog.String("pool", params.Address.Hex()),
		slog.String("backend", cfg.Storage.Backend),
		slog.String("model", model.Name()),
		slog.Int("durations", len(params.Durations)),
		slog.Int("rates", len(params.Rates)))
	return engine, db.Close, nil
}

// openVault loads the vault ledger kept beside the pool state and funds it
// from the [genesis] section on first start.
func openVault(cfg *config.Config, db storage.Database, logger *slog.Logger) (*bank.Vault, error) {
	balances, custody, err := cfg.GenesisAllocation()
	if err != nil {
		return nil, err
	}
	ledger, err := bankstate.NewStore(db)
	if err != nil {
		return nil, err
	}
	vault, err := bank.OpenVault(ledger)
	if err != nil {
		return nil, err
	}
	applied, err := vault.ApplyGenesis(balances, custody)
	if err != nil {
		return nil, err
	}
	if applied {
		logger.Info("vault genesis applied", slog.Int("balances", len(balances)), slog.Int("collateral", len(custody)))
	}
	return vault, nil
}

func authConfig(cfg pooldconfig.AuthConfig) middleware.AuthConfig {
	return middleware.AuthConfig{
		Enabled:       cfg.Enabled,
		HMACSecret:    cfg.HMACSecret,
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		OptionalPaths: cfg.OptionalPaths,
	}
}

func rateLimits(in map[string]pooldconfig.RateLimit) map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(in))
	for group, limit := range in {
		out[group] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	return out
}
