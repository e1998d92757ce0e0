// Package main is the entrypoint for the ticket coordination service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tickettoken/coordination/internal/api"
	mw "github.com/tickettoken/coordination/internal/api/middleware"
	"github.com/tickettoken/coordination/internal/api/response"
	"github.com/tickettoken/coordination/internal/config"
	"github.com/tickettoken/coordination/internal/dedup"
	"github.com/tickettoken/coordination/internal/jobs"
	"github.com/tickettoken/coordination/internal/lock"
	"github.com/tickettoken/coordination/internal/metrics"
	"github.com/tickettoken/coordination/internal/store"
)

const serverShutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to the shared store
	redisStore, err := store.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis store: %w", err)
	}
	defer redisStore.Close()

	if err := redisStore.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 3. Metrics registry
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// 4. Coordination primitives
	locker := lock.New(redisStore, cfg.Lock.Namespace, cfg.Lock.TTL, cfg.Lock.RetryDelay)
	deduplicator := dedup.New(redisStore, cfg.Dedup.KeyPrefix, cfg.Dedup.TTL, m)

	tracker := jobs.New(cfg.Jobs.DefaultTimeout, cfg.Jobs.MaxRetries, cfg.Jobs.SweepInterval, m)
	tracker.Subscribe(func(ev jobs.Event) {
		switch ev.Kind {
		case jobs.EventFailed, jobs.EventDeadLetter, jobs.EventTimedOut:
			slog.Warn("job event", "kind", ev.Kind, "job_id", ev.Job.ID, "type", ev.Job.Type, "reason", ev.Reason)
		default:
			slog.Info("job event", "kind", ev.Kind, "job_id", ev.Job.ID, "type", ev.Job.Type)
		}
	})

	// 5. Build router with dependencies
	idempotency := mw.NewIdempotency(redisStore, cfg.Idempotency.KeyPrefix, cfg.Idempotency.TTL, m)

	deps := api.Dependencies{
		Idempotency: idempotency,
		Registry:    registry,

		HealthHandler:     healthHandler(redisStore, tracker),
		DedupStatsHandler: dedupStatsHandler(deduplicator),
		// Domain handlers are wired by the services that embed this module
	}

	router := api.NewRouter(deps)

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown: stop accepting requests, drain tracked jobs, then
	// release any locks this instance still holds.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.Jobs.ShutdownGrace)
	defer cancelGrace()
	tracker.Shutdown(graceCtx)

	locker.ReleaseAll(shutdownCtx)

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks store connectivity and reports job activity.
func healthHandler(s store.Store, tracker *jobs.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Ping(r.Context()); err != nil {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"Shared store unreachable", map[string]string{"store": "degraded"})
			return
		}

		response.JSON(w, map[string]any{
			"status":      "ok",
			"active_jobs": tracker.ActiveCount(),
		})
	}
}

// dedupStatsHandler reports how many processed-event markers are live.
func dedupStatsHandler(d *dedup.Deduplicator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := d.Stats(r.Context())
		if err != nil {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"Shared store unreachable", nil)
			return
		}
		response.JSON(w, map[string]any{"tracked_events": count})
	}
}
