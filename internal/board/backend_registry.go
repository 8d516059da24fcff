package board

import (
	"strings"
	"sync"
)

type TaskTableFactory func(dsn string) (TaskTable, error)

var tableFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]TaskTableFactory
}{
	factories: map[string]TaskTableFactory{},
}

// RegisterTaskTableFactory makes BuildTaskTableFromDSN route scheme to
// factory. Registered factories take precedence over the built-in schemes.
func RegisterTaskTableFactory(scheme string, factory TaskTableFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	tableFactoryRegistry.mu.Lock()
	defer tableFactoryRegistry.mu.Unlock()
	tableFactoryRegistry.factories[scheme] = factory
}

func lookupTaskTableFactory(scheme string) (TaskTableFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	tableFactoryRegistry.mu.RLock()
	defer tableFactoryRegistry.mu.RUnlock()
	factory, ok := tableFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
