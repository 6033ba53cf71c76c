package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/londonpotato1/standx-maker-bot/internal/app"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := bootstrap.Config.Metrics.ListenAddr; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("metrics listening", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	if err := bootstrap.StartWorkers(ctx); err != nil {
		slog.Error("failed to start price streams", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Shutdown()

	go bootstrap.RunEventSink(ctx)

	slog.Info("maker farming running", slog.Any("symbols", bootstrap.Config.Strategy.Symbols))
	bootstrap.Strategy.Run(ctx)

	stats := bootstrap.Strategy.Stats()
	slog.Info("session summary",
		slog.Int("placed", stats.OrdersPlaced),
		slog.Int("cancelled", stats.OrdersCancelled),
		slog.Int("rebalances", stats.Rebalances),
		slog.Int("fills", stats.Fills),
		slog.Int("liquidations", stats.Liquidations),
		slog.Float64("estimated_points", stats.EstimatedPoints))
}
