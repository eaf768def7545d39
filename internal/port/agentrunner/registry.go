package agentrunner

import (
	"fmt"
	"sync"
)

// Factory constructs a Runner from provider-specific config values.
type Factory func(config map[string]string) (Runner, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a runner factory available by provider name. It is
// typically called from the adapter package's Register helper during wiring.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("agentrunner: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a Runner by provider name using the registered factory.
func New(name string, config map[string]string) (Runner, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agentrunner: unknown provider %q", name)
	}
	return factory(config)
}

// Available returns the names of all registered providers.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

// Reset removes all registered factories. Test helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	factories = make(map[string]Factory)
}
