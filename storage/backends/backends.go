// Package backends is the build-time plugin registry of block store
// implementations, and the config-driven opener that combines them.
//
// Backends register themselves in init(); a binary enables a backend by
// importing its package, usually as a blank import:
//
//	import _ "xdao.co/agentpay/storage/localfs"
package backends

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"xdao.co/agentpay/storage"
)

// Options are backend-specific string settings, e.g. {"dir": "/var/lib/agentpay/blocks"}.
type Options map[string]string

// Backend opens a storage.BlockStore from Options.
type Backend struct {
	Name        string
	Description string
	// Keys documents the option keys Open reads.
	Keys []string

	// Open returns the store and an optional close function.
	Open func(ctx context.Context, opts Options) (storage.BlockStore, func() error, error)
}

var (
	mu       sync.RWMutex
	backends = map[string]Backend{}
)

func Register(b Backend) error {
	if b.Name == "" {
		return fmt.Errorf("backends: backend name is required")
	}
	if b.Open == nil {
		return fmt.Errorf("backends: backend %q missing Open", b.Name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := backends[b.Name]; exists {
		return fmt.Errorf("backends: backend %q already registered", b.Name)
	}
	backends[b.Name] = b
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// List returns registered backends sorted by name.
func List() []Backend {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func Names() []string {
	bs := List()
	n := make([]string, 0, len(bs))
	for _, b := range bs {
		n = append(n, b.Name)
	}
	return n
}

// Open opens the named backend.
func Open(ctx context.Context, name string, opts Options) (storage.BlockStore, func() error, error) {
	mu.RLock()
	b, ok := backends[name]
	mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("backends: unknown backend %q (linked: %v)", name, Names())
	}
	return b.Open(ctx, opts)
}
