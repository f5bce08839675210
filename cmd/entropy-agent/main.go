// ABOUTME: Entry point for a single-role entropy agent process
// ABOUTME: Claims tasks from the shared queue and executes them until shut down

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/entropy-playground/entropy-core/internal/agent"
	"github.com/entropy-playground/entropy-core/internal/config"
	"github.com/entropy-playground/entropy-core/internal/github"
	"github.com/entropy-playground/entropy-core/internal/queue"
	"github.com/entropy-playground/entropy-core/internal/store"
)

func main() {
	var (
		roleFlag   = flag.String("role", "", "agent role: reader, coder, or reviewer (required)")
		idFlag     = flag.String("id", "", "agent id (default: <role>-<random suffix>)")
		configFlag = flag.String("config", "", "config file path (default: $ENTROPY_CONFIG or ~/.config/entropy/core.yaml)")
	)
	flag.Parse()

	if err := run(*roleFlag, *idFlag, *configFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(roleName, agentID, configPath string) error {
	role, err := agent.ParseRole(roleName)
	if err != nil {
		return err
	}

	if agentID == "" {
		agentID = fmt.Sprintf("%s-%s", role, uuid.New().String()[:8])
	}

	if configPath == "" {
		configPath = os.Getenv("ENTROPY_CONFIG")
	}
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("locating config: %w", err)
		}
		configPath = home + "/.config/entropy/core.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("starting entropy-agent",
		"agent_id", agentID,
		"role", role,
		"repository", cfg.GitHub.Repository,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	gh := github.NewHTTPClient(cfg.GitHub.BaseURL, cfg.GitHub.Token, cfg.GitHub.Repository, logger)

	registry, err := agent.DefaultRegistry(gh)
	if err != nil {
		return fmt.Errorf("building executor registry: %w", err)
	}
	executor, err := registry.Get(role)
	if err != nil {
		return err
	}

	q := queue.New(st, nil, cfg.Coordinator.MaxAttempts, logger)
	rt := agent.NewRuntime(agentID, role, q, st, executor, agent.Options{
		LeaseDuration:     cfg.Agents.LeaseDuration,
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		ClaimBackoff:      cfg.Agents.ClaimBackoff,
		ShutdownGrace:     cfg.Agents.ShutdownGrace,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rt.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
