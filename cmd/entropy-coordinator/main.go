// ABOUTME: Entry point for the entropy coordinator process
// ABOUTME: Sources work from GitHub, reconciles leases, and serves the status API

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/entropy-playground/entropy-core/internal/auth"
	"github.com/entropy-playground/entropy-core/internal/config"
	"github.com/entropy-playground/entropy-core/internal/coordinator"
	"github.com/entropy-playground/entropy-core/internal/events"
	"github.com/entropy-playground/entropy-core/internal/github"
	"github.com/entropy-playground/entropy-core/internal/queue"
	"github.com/entropy-playground/entropy-core/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            _
  ___ _ __ | |_ _ __ ___  _ __  _   _
 / _ \ '_ \| __| '__/ _ \| '_ \| | | |
|  __/ | | | |_| | | (_) | |_) | |_| |
 \___|_| |_|\__|_|  \___/| .__/ \__, |
                         |_|    |___/
`

// getConfigPath returns the path to the coordinator config file.
// Priority: ENTROPY_CONFIG env var > XDG_CONFIG_HOME/entropy/core.yaml > ~/.config/entropy/core.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ENTROPY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "core.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "entropy", "core.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: entropy-coordinator <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the coordinator")
		fmt.Println("  init                   Write a starter config file")
		fmt.Println("  status                 Show task and agent counts")
		fmt.Println("  token --sub NAME       Mint a status API token")
		fmt.Println("  health                 Check coordinator health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "status":
		err = runStatus(ctx)
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Repository: %s\n", cfg.GitHub.Repository)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Status API: %s\n", cfg.Server.HTTPAddr)
	}
	fmt.Println()

	logger.Info("starting entropy-coordinator",
		"config", configPath,
		"repository", cfg.GitHub.Repository,
		"poll_interval", cfg.Coordinator.PollInterval,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	broadcaster := events.NewBroadcaster(logger)
	defer broadcaster.Close()

	q := queue.New(st, broadcaster, cfg.Coordinator.MaxAttempts, logger)
	gh := github.NewHTTPClient(cfg.GitHub.BaseURL, cfg.GitHub.Token, cfg.GitHub.Repository, logger)

	coord := coordinator.New(q, st, gh, coordinator.Options{
		PollInterval:     cfg.Coordinator.PollInterval,
		OfflineThreshold: cfg.Coordinator.OfflineThreshold,
		DedupeCacheSize:  cfg.Coordinator.DedupeCacheSize,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })

	if cfg.Server.HTTPAddr != "" {
		var verifier auth.TokenVerifier
		if cfg.Auth.JWTSecret != "" {
			verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		}
		srv := coordinator.NewStatusServer(cfg.Server.HTTPAddr, coord, st, broadcaster, verifier, logger)
		g.Go(func() error { return srv.Start(ctx) })
	}

	return g.Wait()
}

func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	tasks, err := st.CountTasksByState(ctx)
	if err != nil {
		return fmt.Errorf("counting tasks: %w", err)
	}
	agents, err := st.CountAgentsByStatus(ctx)
	if err != nil {
		return fmt.Errorf("counting agents: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("Tasks")
	for _, state := range store.TaskStates {
		fmt.Printf("  %-8s %d\n", state, tasks[state])
	}
	fmt.Println()
	cyan.Println("Agents")
	for _, status := range store.AgentStatuses {
		fmt.Printf("  %-8s %d\n", status, agents[status])
	}
	return nil
}

// runToken mints a status API bearer token for an operator or dashboard.
func runToken() error {
	var sub string
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--sub":
			if i+1 >= len(args) {
				return fmt.Errorf("--sub requires a value")
			}
			sub = args[i+1]
			i++
		case strings.HasPrefix(arg, "--sub="):
			sub = strings.TrimPrefix(arg, "--sub=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}
	if sub == "" {
		return fmt.Errorf("--sub flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(sub, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr not configured")
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	dataDir := filepath.Join(filepath.Dir(configPath), "data")
	dbPath := filepath.Join(dataDir, "entropy.db")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	content := fmt.Sprintf(`# entropy-core configuration
# Generated by entropy-coordinator init

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

github:
  token: "${GITHUB_TOKEN}"
  repository: "owner/repo"

coordinator:
  poll_interval: "30s"
  offline_threshold: "3m"
  max_attempts: 3

agents:
  lease_duration: "2m"
  heartbeat_interval: "30s"
  claim_backoff: "5s"
  shutdown_grace: "30s"

auth:
  jwt_secret: "%s"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

	for _, dir := range []string{filepath.Dir(configPath), dataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Edit github.repository, then:")
	fmt.Println("  entropy-coordinator serve")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
