// Package app wires configuration, storage, venue adapters and the engine
// into a runnable process, and implements the services the admin API needs
// from the running system.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/config"
)

// App owns the wired dependency graph for one process lifetime.
type App struct {
	cfg       config.Config
	deps      *Dependencies
	cleanup   func()
	logger    *slog.Logger
	startedAt time.Time
	stop      func() // cancels the root context; set by Run
}

// New wires all dependencies from the configuration. Call Close when done.
func New(ctx context.Context, manager *config.Manager, logger *slog.Logger) (*App, error) {
	deps, cleanup, err := Wire(ctx, manager, logger)
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:       manager.Config(),
		deps:      deps,
		cleanup:   cleanup,
		logger:    logger,
		startedAt: time.Now(),
	}, nil
}

// Run executes the configured mode until ctx ends or the mode finishes.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.stop = cancel

	mode := strings.ToLower(a.cfg.Mode)
	a.logger.Info("starting", "mode", mode, "profiles", len(a.deps.Runtimes))

	switch mode {
	case "trade":
		return a.runTrade(ctx)
	case "monitor":
		return a.runMonitor(ctx)
	case "reconcile":
		return a.runReconcile(ctx)
	default:
		return fmt.Errorf("app: unknown mode %q", a.cfg.Mode)
	}
}

// Close releases every wired resource in reverse construction order.
func (a *App) Close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}
