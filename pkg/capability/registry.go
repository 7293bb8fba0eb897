package capability

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/logger"
)

// Factory creates a capability from the runtime configuration.
type Factory func(cfg *config.RuntimeConfig) (Capability, error)

// Registry manages capability registration and instantiation
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

var globalRegistry = NewRegistry()

// NewRegistry creates a new capability registry. It logs through the
// global logger as it is at the time of each call until SetLogger is used.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// SetLogger fixes the registry logger.
func (r *Registry) SetLogger(l *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = l
}

// log must be called with r.mu held.
func (r *Registry) log() *zap.Logger {
	return logger.OrGlobal(r.logger).With(zap.String("component", "capability_registry"))
}

// Register registers a capability factory under name
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("capability %s already registered", name))
	}

	r.factories[name] = factory
	r.log().Debug("capability registered", zap.String("name", name))
	return nil
}

// Create instantiates the named capability
func (r *Registry) Create(name string, cfg *config.RuntimeConfig) (Capability, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("capability %s not found", name))
	}

	c, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCapability, fmt.Sprintf("failed to create capability %s", name))
	}
	return c, nil
}

// List returns the registered names in sorted order
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

// Has checks if a capability is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[name]
	return exists
}

// Register registers a capability in the global registry
func Register(name string, factory Factory) error {
	return globalRegistry.Register(name, factory)
}

// MustRegister is Register for init functions. It panics on error.
func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// Create creates a capability from the global registry
func Create(name string, cfg *config.RuntimeConfig) (Capability, error) {
	return globalRegistry.Create(name, cfg)
}

// List returns the capabilities in the global registry
func List() []string {
	return globalRegistry.List()
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
