package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/gateway"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/ws"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "ride-api")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.OpenBackends(ctx, cfg.Redis, cfg.PGDSN, cfg.RunMigrations, logger)
	if err != nil {
		logger.Error("open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	hub := ws.NewHub(logger.With("component", "ws"))
	pub, err := backends.Publisher(ctx, cfg.Redis.EventsChannel, hub, logger.With("component", "bridge"))
	if err != nil {
		logger.Error("start event bridge", "error", err)
		os.Exit(1)
	}
	rides := ride.NewService(backends.Store, backends.Locks, pub, logger.With("component", "rides"), cfg.Dispatch.AcceptTimeout)
	hub.SetHandler(gateway.New(backends.Registry, rides, pub, logger.With("component", "gateway")))

	consumers := 0
	if cfg.DispatchEmbedded {
		consumers = cfg.Dispatch.Workers
	}
	queue, err := app.OpenQueue(cfg.Queue, consumers, logger)
	if err != nil {
		logger.Error("open dispatch queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	var wg sync.WaitGroup
	if cfg.DispatchEmbedded {
		d := app.NewDispatch(cfg.Dispatch, backends, pub, rides, queue.Sources, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(ctx)
		}()
	}

	api := httpapi.NewServer(httpapi.Deps{
		Rides:    rides,
		Queue:    queue.Producer,
		Registry: backends.Registry,
		WS:       hub,
		Checks:   backends.Checks,
	}, logger.With("component", "http"))
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch api listening", "addr", cfg.HTTPAddr, "embedded_dispatch", cfg.DispatchEmbedded)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	wg.Wait()
}
