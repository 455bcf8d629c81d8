// Thread-safe configuration store with dynamic update and hot-reload
// propagation: the scheduler's fiber stack-size hint and the reactor's
// epoll event batch size and wait cap are runtime-tunable through it.

package control

import (
	"sync"
)

// ConfigStore is a dynamic key/value map with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func()
}

// NewConfigStore initializes a new config store with empty data.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		config:    make(map[string]any),
		listeners: make([]func(), 0),
	}
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	copy := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		copy[k] = v
	}
	return copy
}

// SetConfig merges new values and dispatches reload if needed.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for k, v := range newCfg {
		cs.config[k] = v
	}
	cs.dispatchReload()
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// dispatchReload invokes all listeners.
func (cs *ConfigStore) dispatchReload() {
	for _, fn := range cs.listeners {
		go fn()
	}
}

// TriggerReloadSync invokes every registered listener synchronously instead
// of SetConfig's fire-and-forget dispatch, for deterministic test/shutdown
// notification.
func (cs *ConfigStore) TriggerReloadSync() {
	cs.mu.RLock()
	listeners := append([]func(){}, cs.listeners...)
	cs.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Int returns the snapshot value at key as an int, or def if the key is
// absent or holds a different type. Scheduler and ioreactor use this to
// pull their runtime-tunable knobs (stack-size hint, epoll max-events,
// reactor wait cap) out of a ConfigStore.
func (cs *ConfigStore) Int(key string, def int) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if v, ok := cs.config[key].(int); ok {
		return v
	}
	return def
}

var defaultStore = NewConfigStore()

// Default returns the process-wide ConfigStore used by the package-level
// RegisterReloadHook/TriggerHotReload/TriggerHotReloadSync convenience
// wrappers below, for components that don't hold a reference to a specific
// store.
func Default() *ConfigStore { return defaultStore }
