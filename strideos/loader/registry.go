package loader

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("no such app")

// Registry maps app names to ELF images, the way the kernel links user apps
// into its data segment.
type Registry struct {
	mu     sync.RWMutex
	images map[string][]byte
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{images: make(map[string][]byte)}
}

// Register adds an image under name.
func (r *Registry) Register(name string, image []byte) error {
	if name == "" {
		return fmt.Errorf("register app: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[name]; ok {
		return fmt.Errorf("register app %q: already registered", name)
	}
	r.images[name] = image
	return nil
}

// Lookup returns the image registered as name.
func (r *Registry) Lookup(name string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return img, nil
}

// Names lists the registered apps in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.images))
	for n := range r.images {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
