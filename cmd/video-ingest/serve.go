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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matt-primrose/video-ingest-service/internal/backend"
	"github.com/matt-primrose/video-ingest-service/internal/backoff"
	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/events"
	"github.com/matt-primrose/video-ingest-service/internal/pipeline"
	"github.com/matt-primrose/video-ingest-service/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the processing worker and the status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting video ingest service",
		"service", serviceName,
		"version", serviceVersion,
		"backend", cfg.Backend.BaseURL,
		"serverPort", cfg.Server.Port,
	)

	client := backend.New(cfg.Backend)
	pipe := pipeline.New(client, cfg.Processing, backoff.FromConfig(cfg.Backoff),
		pipeline.WithStageAttempts(cfg.Processing.StageAttempts),
	)
	broker := events.NewBroker()
	w := worker.New(cfg.Processing, pipe, worker.WithPublisher(broker))
	router := events.NewRouter(w, broker)

	mux := http.NewServeMux()
	router.Register(mux)
	mux.HandleFunc("GET /info", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(rw, `{"service":"%s","version":"%s","status":"running"}`, serviceName, serviceVersion)
	})

	servers := []*http.Server{
		{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), Handler: mux},
		{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HealthCheckPort), Handler: setupHealthRoutes(w)},
	}
	if cfg.Observability.MetricsPort > 0 {
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Observability.MetricsPort),
			Handler: setupMetricsRoutes(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.Start(gctx)
		return nil
	})

	for _, srv := range servers {
		g.Go(func() error {
			slog.Info("Starting HTTP server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	if cfg.Intake.AMQP.URL != "" {
		intake := events.NewIntake(cfg.Intake.AMQP, w, events.WithDialPolicy(backoff.FromConfig(cfg.Backoff)))
		g.Go(func() error {
			return intake.Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("Error shutting down HTTP server", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})

	err := g.Wait()
	slog.Info("Service shutdown complete")
	return err
}

// setupHealthRoutes creates health check routes
func setupHealthRoutes(w *worker.Worker) http.Handler {
	mux := http.NewServeMux()

	// Liveness probe
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, "OK")
	})

	// Readiness probe
	mux.HandleFunc("/ready", func(rw http.ResponseWriter, _ *http.Request) {
		if !w.Running() {
			http.Error(rw, "Worker not running", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, "Ready")
	})

	return mux
}

// setupMetricsRoutes creates metrics endpoint
func setupMetricsRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
