package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tunnelforge/tunnelforge/internal/relay"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to relay configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := relay.NewServer(cfg)
	slog.Info("relay starting", "http_addr", cfg.Listen.HTTPAddr, "ws_addr", cfg.Listen.WSAddr)
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("relay server exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}
