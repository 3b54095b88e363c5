// Package registry is the connector catalog: it maps connector IDs to their
// configuration (name, declared resources) and the factory that builds the
// provider's source adapter. Adapters register themselves from init(), so a
// blank import is enough to make a connector available.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/logger"
	"github.com/knoom0/datanav/pkg/schema"
	"github.com/knoom0/datanav/pkg/source"
)

// AdapterFactory creates a source adapter instance from the connector's
// declared resources and its settings (provider credentials, endpoints).
type AdapterFactory func(resources []schema.Resource, settings map[string]string) (source.Adapter, error)

// Config is one catalog entry: the connector's identity, the resources it
// syncs, and the factory for its source adapter.
type Config struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Resources   []schema.Resource `json:"resources"`
	NewAdapter  AdapterFactory    `json:"-"`
}

// Resource returns the declared resource with the given name.
func (c *Config) Resource(name string) (schema.Resource, bool) {
	for _, r := range c.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return schema.Resource{}, false
}

// Registry manages connector catalog entries
type Registry struct {
	entries map[string]*Config
	mu      sync.RWMutex
	logger  *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Config),
		logger:  logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register adds a catalog entry
func (r *Registry) Register(cfg *Config) error {
	if cfg.ID == "" {
		return errors.New(errors.ErrorTypeConfig, "connector id is required")
	}
	if cfg.NewAdapter == nil {
		return errors.Newf(errors.ErrorTypeConfig, "connector %s has no adapter factory", cfg.ID)
	}
	if len(cfg.Resources) == 0 {
		return errors.Newf(errors.ErrorTypeConfig, "connector %s declares no resources", cfg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[cfg.ID]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector %s already registered", cfg.ID))
	}

	r.entries[cfg.ID] = cfg
	r.logger.Info("connector registered", zap.String("id", cfg.ID), zap.String("name", cfg.Name))
	return nil
}

// Get retrieves a catalog entry by connector ID
func (r *Registry) Get(connectorID string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, exists := r.entries[connectorID]
	if !exists {
		return nil, errors.New(errors.ErrorTypeNotFound, fmt.Sprintf("connector %s not found", connectorID))
	}
	return cfg, nil
}

// Has checks whether a connector is registered
func (r *Registry) Has(connectorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[connectorID]
	return exists
}

// List returns all catalog entries sorted by ID
func (r *Registry) List() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Config, 0, len(r.entries))
	for _, cfg := range r.entries {
		entries = append(entries, cfg)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Clear removes all entries (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Config)
}

// Global registry functions

// Register adds a catalog entry to the global registry
func Register(cfg *Config) error {
	return globalRegistry.Register(cfg)
}

// MustRegister registers a catalog entry and panics on failure. Intended
// for adapter init() functions where a registration error is a programming
// mistake.
func MustRegister(cfg *Config) {
	if err := Register(cfg); err != nil {
		panic(err)
	}
}

// Get retrieves a catalog entry from the global registry
func Get(connectorID string) (*Config, error) {
	return globalRegistry.Get(connectorID)
}

// Has checks the global registry for a connector
func Has(connectorID string) bool {
	return globalRegistry.Has(connectorID)
}

// List returns all entries in the global registry
func List() []*Config {
	return globalRegistry.List()
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
