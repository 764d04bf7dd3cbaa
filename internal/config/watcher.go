package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives the freshly loaded strategy document and its version
// whenever the document changes on disk. Callbacks run on the watcher
// goroutine and must not block.
type ReloadFunc func(doc StrategyDoc, version string)

// Manager owns the static engine configuration plus the live strategy
// document. It polls the document's mtime and pushes changes to registered
// callbacks; already-open positions keep the version they were opened
// under, only new work picks up the change.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	doc       StrategyDoc
	version   string
	loadedAt  time.Time
	modTime   time.Time
	callbacks []ReloadFunc
}

// NewManager loads the strategy document once and returns a Manager ready
// to watch it.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: logger.With("component", "config"),
	}
	if _, err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Config returns the static configuration; it never changes after startup.
func (m *Manager) Config() Config { return m.cfg }

// Strategy returns the current strategy document and its version.
func (m *Manager) Strategy() (StrategyDoc, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc, m.version
}

// RegisterOnReload adds a callback invoked after every successful reload
// that produced a new version. Must be called before Watch starts.
func (m *Manager) RegisterOnReload(fn ReloadFunc) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Watch polls the strategy document's mtime until ctx is cancelled. A
// document that fails to parse is logged and skipped; the previous tuning
// stays in effect.
func (m *Manager) Watch(ctx context.Context) error {
	every := m.cfg.Engine.StrategyReloadEvery.Duration
	if every <= 0 {
		every = 60 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !m.changed() {
				continue
			}
			if _, err := m.reload(); err != nil {
				m.logger.Error("strategy reload failed, keeping previous tuning",
					"path", m.cfg.StrategyPath, "error", err)
			}
		}
	}
}

// Reload forces an immediate re-read and returns the resulting version.
// It satisfies the admin config endpoint.
func (m *Manager) Reload(_ context.Context) (string, error) {
	return m.reload()
}

func (m *Manager) changed() bool {
	info, err := os.Stat(m.cfg.StrategyPath)
	if err != nil {
		return false
	}
	m.mu.RLock()
	prev := m.modTime
	m.mu.RUnlock()
	return info.ModTime().After(prev)
}

func (m *Manager) reload() (string, error) {
	doc, version, err := LoadStrategy(m.cfg.StrategyPath)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	unchanged := version == m.version
	m.doc = doc
	m.version = version
	m.loadedAt = time.Now()
	if info, statErr := os.Stat(m.cfg.StrategyPath); statErr == nil {
		m.modTime = info.ModTime()
	}
	callbacks := m.callbacks
	m.mu.Unlock()

	if unchanged {
		return version, nil
	}
	m.logger.Info("strategy document loaded", "path", m.cfg.StrategyPath, "version", version)
	for _, fn := range callbacks {
		fn(doc, version)
	}
	return version, nil
}
