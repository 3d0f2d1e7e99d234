package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"agoramesh/internal/auth"
	"agoramesh/internal/config"
	"agoramesh/internal/gateway"
	"agoramesh/internal/mcpgate"
	"agoramesh/internal/nodeproxy"
	"agoramesh/internal/task"
	"agoramesh/internal/trust"
	"agoramesh/internal/worker"
	"agoramesh/pkg/logging"
)

// shutdownBudget bounds graceful shutdown after SIGTERM/SIGINT.
const shutdownBudget = 30 * time.Second

// ConfigError marks a startup failure caused by configuration; the CLI
// maps it to exit code 1.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// ListenerError marks a fatal listener failure; the CLI maps it to exit
// code 2.
type ListenerError struct{ Err error }

func (e *ListenerError) Error() string { return e.Err.Error() }
func (e *ListenerError) Unwrap() error { return e.Err }

// Options are the serve-time knobs from the CLI.
type Options struct {
	ConfigPath string
	Debug      bool
	Version    string
}

// Run builds and runs the bridge until a signal or fatal error.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return &ConfigError{Err: err}
	}
	if opts.Debug {
		cfg.Debug = true
	}

	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	if err := os.MkdirAll(cfg.Bridge.WorkspaceDir, 0o700); err != nil {
		return &ConfigError{Err: fmt.Errorf("creating workspace root: %w", err)}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Shared stores.
	store := trust.NewStore(0)
	limiter := trust.NewLimiter(store, 0)
	registry := task.NewRegistry(0)
	replay := auth.NewReplayGuard()

	pool := worker.NewPool(worker.Policy{
		AllowedCommands: cfg.Bridge.AllowedCommands,
		WorkspaceRoot:   cfg.Bridge.WorkspaceDir,
	}, cfg.Bridge.WorkerSlots)

	dispatcher := task.NewDispatcher(ctx, cfg.Bridge, registry, pool, store, limiter)
	authenticator := auth.NewAuthenticator(cfg.Bridge, replay, nil)

	var node *nodeproxy.Client
	if cfg.NodeURL != "" {
		node = nodeproxy.NewClient(cfg.NodeURL)
	}

	mcpMux := mcpgate.NewMux(cfg.MCP, mcpgate.NewToolServer(node, dispatcher))
	mcpMux.Sessions().StartCleanup(ctx)

	server := gateway.NewServer(cfg.Bridge, authenticator, dispatcher, store, node)
	server.SetBuildInfo(opts.Version)
	server.Mount("/mcp", mcpMux.Handler())
	server.Mount("/.well-known/mcp.json", mcpMux.Handler())

	logging.Info("App", "Starting agoramesh bridge (workers=%d, node=%s)", pool.Slots(), cfg.NodeURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx, shutdownBudget); err != nil {
			return &ListenerError{Err: err}
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		return pool.Shutdown(drainCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logging.Info("App", "Shutdown complete")
	return nil
}
