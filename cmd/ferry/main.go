package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ferry "github.com/FerryTeam/Ferry"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	configPath := os.Getenv("FERRY_CONFIG")
	if configPath == "" {
		configPath = "ferry.json"
	}

	f := ferry.NewFerry(logger, ferry.NewConfigProviderFromPath(configPath)).
		WithPanicHandler(func(_ *ferry.Ferry, r any) {
			logger.Error("Recovered from panic", "panic", r)
		})

	if prometheusAddress := os.Getenv("FERRY_PROMETHEUS_ADDRESS"); prometheusAddress != "" {
		f.WithPrometheusAnalytics(&http.Server{Addr: prometheusAddress}, nil, promhttp.HandlerOpts{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Start(ctx); err != nil {
		logger.Error("Failed to start", "error", err)

		os.Exit(1)
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	f.Stop(ctx)
}
