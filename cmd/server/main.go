package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/udisondev/netstep/internal/config"
	"github.com/udisondev/netstep/internal/platformer"
	"github.com/udisondev/netstep/internal/server"
	"github.com/udisondev/netstep/internal/transport"
)

const DefaultConfigPath = "config/server.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := DefaultConfigPath
	if p := os.Getenv("NETSTEP_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("netstep server starting",
		"bind", cfg.BindAddress,
		"port", cfg.Port,
		"tick_rate", cfg.Engine.TickRate,
		"log_level", cfg.LogLevel)

	reg := prometheus.NewRegistry()
	metrics := server.NewMetrics(reg)

	g := platformer.Game{}
	world := platformer.NewWorld(0, 0, 200)

	tr := transport.NewWSServer(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port))
	srv := server.New[platformer.World, platformer.Input, platformer.ShootAction](
		g, tr, cfg.Engine, world,
		server.WithValidator[platformer.World, platformer.Input, platformer.ShootAction](platformer.ValidateShot),
		server.WithMetrics[platformer.World, platformer.Input, platformer.ShootAction](metrics),
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Start(ctx) })

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.MetricsPort),
			Handler: mux,
		}
		eg.Go(func() error {
			slog.Info("metrics endpoint listening", "port", cfg.MetricsPort)
			if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			return metricsSrv.Close()
		})
	}

	return eg.Wait()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
