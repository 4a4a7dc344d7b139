package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tunnelforge/tunnelforge/internal/agent"
)

func main() {
	configPath := flag.String("config", "configs/agent.yaml", "path to agent runtime configuration file")
	mappingPath := flag.String("mapping", "configs/mapping.json", "path to agent identity and mapping document")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	mapping, err := agent.LoadMappingDocument(*mappingPath)
	if err != nil {
		slog.Error("failed to load mapping document", "err", err)
		os.Exit(1)
	}
	agent.ApplyMappingDocument(cfg, mapping)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(cfg)
	if err != nil {
		slog.Error("failed to create agent", "err", err)
		os.Exit(1)
	}

	slog.Info("agent starting", "id", cfg.ClientID, "mappings", len(cfg.Mappings))
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("agent exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("agent stopped")
}
