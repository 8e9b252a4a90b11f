// Package server wires the billing reconciler into a running process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/billing-reconciler/internal/config"
	"github.com/rcourtman/billing-reconciler/internal/dedupe"
	"github.com/rcourtman/billing-reconciler/internal/reconcile"
	"github.com/rcourtman/billing-reconciler/internal/stripe"
	"github.com/rcourtman/billing-reconciler/internal/telemetry"
)

// App holds the assembled reconciliation pipeline.
type App struct {
	Store      Store
	Deduper    *dedupe.Deduper
	Dispatcher *reconcile.Dispatcher
	Webhook    *stripe.WebhookHandler

	redis   *dedupe.RedisLocker
	emitter *telemetry.Emitter
}

// NewApp opens the store and builds the pipeline from cfg. Close releases
// everything NewApp opened.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Store: store}

	var locker dedupe.Locker
	if cfg.RedisURL != "" {
		app.redis, err = dedupe.NewRedisLocker(ctx, cfg.RedisURL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init event lock: %w", err)
		}
		locker = app.redis
		log.Info().Msg("Event in-flight lock: redis")
	} else {
		log.Info().Msg("Event in-flight lock: in-process (set BILLING_REDIS_URL to share across replicas)")
	}
	app.Deduper = dedupe.New(store, locker)

	// A nil interface, not a nil *Emitter, disables analytics.
	var sink reconcile.Telemetry
	if cfg.TelemetryEnabled() {
		app.emitter, err = telemetry.NewEmitter(telemetry.Config{
			APIKey:    cfg.PostHogAPIKey,
			Host:      cfg.PostHogHost,
			QueueSize: cfg.TelemetryQueue,
		})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		sink = app.emitter
	} else {
		log.Info().Msg("Billing telemetry disabled (set POSTHOG_API_KEY to enable)")
	}

	provider := stripe.NewClient(cfg.StripeAPIKey, cfg.SubscriptionCacheTTL)
	app.Dispatcher = reconcile.NewDispatcher(store, provider, sink)
	app.Webhook = stripe.NewWebhookHandler(cfg.StripeWebhookSecret, app.Dispatcher, app.Deduper)
	return app, nil
}

// readiness returns the dependencies /readyz must reach.
func (a *App) readiness() []pinger {
	deps := []pinger{a.Store}
	if a.redis != nil {
		deps = append(deps, a.redis)
	}
	return deps
}

// Close flushes telemetry and closes connections.
func (a *App) Close() {
	if a.emitter != nil {
		a.emitter.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close billing store")
		}
	}
}

// Run starts the HTTP server and receipt pruning, and blocks until ctx is
// cancelled or a termination signal arrives.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	log.Info().Str("version", version).Msg("Starting billing reconciler")

	shutdownTracing, err := initTracing(ctx, cfg.OTelEndpoint, cfg.OTelInsecure, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("Tracer provider shutdown error")
		}
	}()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler, err := NewEventPruner(app.Store, cfg.EventRetention).Schedule(ctx, cfg.PruneSchedule)
	if err != nil {
		return err
	}
	defer func() { <-scheduler.Stop().Done() }()

	addr := cfg.ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(app.Webhook, app.readiness()...),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Billing reconciler listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("Server failed")
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Billing reconciler stopped")
	return runErr
}
