// Command funnelbff serves the sales funnel board over HTTP, backed by the
// remote pipeline service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/internal/events"
	"github.com/pitabwire/funnel/internal/invoker"
	"github.com/pitabwire/funnel/internal/observability"
	"github.com/pitabwire/funnel/internal/pipeline"
	"github.com/pitabwire/funnel/internal/snapshot"
	"github.com/pitabwire/funnel/internal/transport"
)

// Stamped with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

const defaultShutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	path := flag.String("config", "config.yaml", "YAML configuration file")
	flag.Parse()

	observability.Version, observability.Commit = version, commit

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "funnelbff:", err)
		return 1
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintln(os.Stderr, "funnelbff: logger:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.InitMetrics(registry)

	// Remote pipeline service.
	client := invoker.New(cfg.Backend,
		invoker.WithLogger(logger.Named("invoker")),
		invoker.WithMetrics(metrics),
	)
	svc := pipeline.NewHTTPService(client)

	// Snapshot store for warm starts.
	snaps, closeSnaps, err := snapshot.Open(ctx, cfg.Snapshot, metrics)
	if err != nil {
		logger.Error("snapshot store initialization failed", zap.Error(err))
		return 1
	}
	defer closeSnaps()
	logger.Info("snapshot store ready", zap.String("driver", cfg.Snapshot.Driver))

	sessionOpts := []pipeline.SessionsOption{
		pipeline.WithSessionLogger(logger.Named("store")),
		pipeline.WithSessionMetrics(metrics),
		pipeline.WithSnapshots(snaps, cfg.Snapshot.TTL),
	}

	var hub *events.Hub
	var eventsHandler http.Handler
	if cfg.Events.Enabled {
		hub = events.NewHub(cfg.Events,
			events.WithLogger(logger.Named("events")),
			events.WithMetrics(metrics),
		)
		sessionOpts = append(sessionOpts, pipeline.WithSessionListener(hub))
		eventsHandler = hub
	}

	sessions := pipeline.NewSessions(svc, cfg.Sessions, sessionOpts...)

	var jwks *transport.KeySet
	if cfg.Identity.JWKSURL != "" {
		jwks = transport.NewKeySet(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger.Named("jwks"))
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     registry,
		Sessions:     sessions,
		Events:       eventsHandler,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Readiness: observability.ReadinessChecks{
			Backend:  client,
			Snapshot: snaps,
		},
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	logger.Info("funnel bff listening",
		zap.String("addr", srv.Addr),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.Bool("events", cfg.Events.Enabled),
		zap.String("build", version+"+"+commit),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sessions.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		grace := cfg.Server.ShutdownTimeout
		if grace <= 0 {
			grace = defaultShutdownGrace
		}
		logger.Info("draining", zap.Duration("grace", grace))

		drainCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if hub != nil {
			hub.Close()
		}
		return errors.Join(
			wrapShutdown("http server", srv.Shutdown(drainCtx)),
			wrapShutdown("tracing", tracingShutdown(drainCtx)),
		)
	})

	if err := g.Wait(); err != nil {
		logger.Error("funnel bff stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("funnel bff stopped")
	return 0
}

func wrapShutdown(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s shutdown: %w", what, err)
}
