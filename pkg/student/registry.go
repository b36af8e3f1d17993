package student

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownKind = errors.New("unknown student kind")

// Factory builds a fresh Student for one worker.
type Factory func() Student

var (
	registry = make(map[string]Factory)
	mu       sync.RWMutex
)

// Register makes a student kind available by name. Kinds usually register
// themselves from an init function.
func Register(kind string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[kind] = factory
}

// Lookup resolves a registered kind.
func Lookup(kind string) (Factory, error) {
	mu.RLock()
	factory, ok := registry[kind]
	mu.RUnlock()
	if !ok || factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return factory, nil
}

// Kinds returns registered kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for name := range registry {
		kinds = append(kinds, name)
	}
	sort.Strings(kinds)
	return kinds
}
