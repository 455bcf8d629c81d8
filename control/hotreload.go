// Package-level convenience wrappers over Default(), the process-wide
// ConfigStore: code that runs before any particular Scheduler/Manager
// exists (platform setup, init-time registration) can still register for
// and trigger reload notifications without threading a *ConfigStore
// through every call site.

package control

// RegisterReloadHook registers fn as a listener on the default ConfigStore.
func RegisterReloadHook(fn func()) {
	Default().OnReload(fn)
}

// TriggerHotReload dispatches the default ConfigStore's listeners
// asynchronously, without changing any config value.
func TriggerHotReload() {
	Default().SetConfig(nil)
}

// TriggerHotReloadSync dispatches them synchronously, for deterministic
// test notification.
func TriggerHotReloadSync() {
	Default().TriggerReloadSync()
}
