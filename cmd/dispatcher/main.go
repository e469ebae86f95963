package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/ride"
)

func main() {
	cfg, err := config.LoadDispatcherConfig()
	logger := logging.NewLogger(cfg.LogLevel, "ride-dispatcher")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics and health on")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.OpenBackends(ctx, cfg.Redis, cfg.PGDSN, cfg.RunMigrations, logger)
	if err != nil {
		logger.Error("open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	// publish only: the API instances own the client connections
	pub, err := backends.Publisher(ctx, cfg.Redis.EventsChannel, nil, logger.With("component", "bridge"))
	if err != nil {
		logger.Error("event bridge", "error", err)
		os.Exit(1)
	}
	rides := ride.NewService(backends.Store, backends.Locks, pub, logger.With("component", "rides"), cfg.Dispatch.AcceptTimeout)

	queue, err := app.OpenQueue(cfg.Queue, cfg.Dispatch.Workers, logger)
	if err != nil {
		logger.Error("open dispatch queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: opsMux(backends.Checks), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("dispatcher consuming", "backend", cfg.Queue.Backend, "workers", cfg.Dispatch.Workers, "radii_m", cfg.Dispatch.Radii)
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.NewDispatch(cfg.Dispatch, backends, pub, rides, queue.Sources, logger).Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down dispatcher")
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("in-flight dispatch jobs did not finish; they will be redelivered")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
}

// opsMux serves /metrics, /healthz and a /ready that pings every backend.
func opsMux(checks []httpapi.Check) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, c := range checks {
			if err := c.Ping(r.Context()); err != nil {
				http.Error(w, c.Name+" not ready", 503)
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	return mux
}
