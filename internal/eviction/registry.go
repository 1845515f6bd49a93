package eviction

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Strategy)
)

// Register makes a strategy factory available under name.
func Register(name string, factory func() Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// GetStrategy returns a fresh strategy registered under name.
// Each cache needs its own instance since strategies are stateful.
func GetStrategy(name string) (Strategy, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("strategy not found: %s (available: %s)", name, strings.Join(namesLocked(), ", "))
	}
	return factory(), nil
}

// Names lists the registered strategies in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
