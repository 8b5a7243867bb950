package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/callbridge/pkg/processor"
)

// ErrProviderNotRegistered is returned by [Registry.CreateProcessor] when no
// factory has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ProcessorFactory builds a processor from its configuration block.
type ProcessorFactory func(ProviderEntry) (processor.Processor, error)

// Registry maps processor names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]ProcessorFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]ProcessorFactory)}
}

// RegisterProcessor registers factory under name. Subsequent calls with the
// same name overwrite the previous registration.
func (r *Registry) RegisterProcessor(name string, factory ProcessorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[name] = factory
}

// CreateProcessor instantiates the processor registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateProcessor(entry ProviderEntry) (processor.Processor, error) {
	r.mu.RLock()
	factory, ok := r.processors[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: processor/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create processor %q: %w", entry.Name, err)
	}
	return p, nil
}

// Processors returns the registered names in sorted order.
func (r *Registry) Processors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
