package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Options carries backend-specific settings to a store constructor.
type Options struct {
	// Path is the persistence directory (local_persistent).
	Path string
	// Collection namespaces records within a backend.
	Collection string
	// DSN is the connection string for remote_sql.
	DSN string
	// Dimension is a hint for backends that pre-declare it (0 = detect on
	// first Add).
	Dimension int
}

// Factory constructs a store from options.
type Factory func(ctx context.Context, opts Options) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named backend constructor. Later registrations with the
// same name replace earlier ones.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open resolves a backend by name and constructs it.
func Open(ctx context.Context, name string, opts Options) (Store, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown vector store provider %q (registered: %v)", name, Providers())
	}
	return factory(ctx, opts)
}

// Providers returns the registered backend names, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
