package exchange

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Params carries everything a venue factory needs to build a client.
type Params struct {
	APIKey     string
	APISecret  string
	BaseURL    string // empty selects the venue production endpoint
	WSURL      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Factory builds a venue adapter from credentials and wiring.
type Factory func(p Params) (Adapter, error)

// Registry maps venue names to adapter factories. Names are compared
// case-insensitively and stored uppercase.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given venue name.
func (r *Registry) Register(name string, f Factory) error {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("exchange: register: empty venue name: %w", domain.ErrInvalidParam)
	}
	if f == nil {
		return fmt.Errorf("exchange: register %s: nil factory: %w", key, domain.ErrInvalidParam)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("exchange: venue %s already registered: %w", key, domain.ErrInvalidParam)
	}
	r.factories[key] = f
	return nil
}

// New builds an adapter for the named venue.
func (r *Registry) New(name string, p Params) (Adapter, error) {
	key := strings.ToUpper(strings.TrimSpace(name))

	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("exchange: unsupported venue %q: %w", name, domain.ErrNotFound)
	}
	return f(p)
}

// List returns the registered venue names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
