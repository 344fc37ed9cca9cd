package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpadapter "scriptguard/internal/adapters/http"
	"scriptguard/internal/app"
	"scriptguard/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "scriptguard.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := httpadapter.NewHub(logger)
	a, err := app.New(ctx, cfg, logger, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := httpadapter.New(a.Store, a.Store, a.Runner, hub, logger, httpadapter.Options{
		MaxAttempts:    cfg.Workers.MaxAttempts,
		InlineTimeout:  cfg.Server.InlineTimeout,
		OriginPatterns: cfg.Server.OriginPatterns,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.ListenAddr, "db", cfg.Database.Driver, "renderer", cfg.Scan.Renderer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	if cfg.Workers.Count > 0 {
		g.Go(func() error {
			logger.Info("task workers started", "count", cfg.Workers.Count)
			return a.Runner.Run(gctx, cfg.Workers.Count, cfg.Workers.PollInterval)
		})
	}
	return g.Wait()
}
