package bridge

// HostLifecycle receives keep-alive edges from the orchestrator: Acquire
// when the running set goes from empty to non-empty, Release when it drains
// back to empty. Host integrations (a foreground service, a systemd
// notifier) implement it; plain daemon deployments use NopLifecycle.
type HostLifecycle interface {
	Acquire()
	Release()
}

// NopLifecycle is a HostLifecycle that does nothing.
type NopLifecycle struct{}

func (NopLifecycle) Acquire() {}
func (NopLifecycle) Release() {}
