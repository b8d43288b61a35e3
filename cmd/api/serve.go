package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vortex/api/internal/app"
	"vortex/api/internal/archive"
	"vortex/api/internal/config"
	"vortex/api/internal/gate"
	"vortex/api/internal/metrics"
	"vortex/api/internal/ratelimit"
	"vortex/api/internal/readmodel"
	"vortex/api/internal/store"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
}

// runtime holds a wired service and the resources to release with it.
type runtime struct {
	service *app.Service
	metrics *metrics.Metrics
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, rt *runtime) (store.Store, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage; state is lost on restart")
		return store.NewMemoryStore(), nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info("database ready", "migrations_applied", applied)
	return store.NewPostgresStore(db), nil
}

// buildRuntime wires the service with every backend the configuration
// names, falling back to in-process implementations for the rest.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{metrics: metrics.New()}
	dataStore, err := openStore(ctx, cfg, logger, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var oracle gate.Oracle
	if strings.TrimSpace(cfg.Gate.RPCURL) != "" {
		rpcOracle, err := gate.DialRPCOracle(ctx, cfg.Gate.RPCURL)
		if err != nil {
			logger.Warn("eligibility oracle unavailable", "error", err)
		} else {
			oracle = rpcOracle
			rt.closers = append(rt.closers, rpcOracle.Close)
		}
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("using redis for rate limits")
		limiter = redisLimiter
		rt.closers = append(rt.closers, func() { _ = redisLimiter.Close() })
	}

	var meili *readmodel.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = readmodel.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	readModel := readmodel.NewService(meili, dataStore, logger)
	rt.closers = append(rt.closers, readModel.Close)

	archiver, err := archive.New(cfg.Archive, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.service = app.New(*cfg, dataStore, app.Options{
		Gate:      gate.New(cfg.Gate, dataStore, oracle, logger),
		Limiter:   limiter,
		ReadModel: readModel,
		Archive:   archiver,
		Metrics:   rt.metrics,
		Logger:    logger,
	})
	if err := rt.service.Bootstrap(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return rt, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		go func() {
			indexed, err := rt.service.Reindex(ctx)
			if err != nil {
				logger.Warn("initial reindex failed", "error", err)
				return
			}
			logger.Info("proposals reindexed", "count", indexed)
		}()
	}

	httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.Addr, "storage", cfg.Storage)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("api stopped")
	return nil
}
