package bridge

import (
	"sync"
	"time"
)

// ChannelStatus is the observable runtime status of one channel.
type ChannelStatus struct {
	Channel   ChannelType     `json:"channel"`
	State     ConnectionState `json:"state"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Tracker is the injected, read-mostly view of per-channel connection
// states plus the process-wide service flag. The orchestrator is the single
// writer; any number of observers (status handler, health checks) read
// concurrently.
type Tracker struct {
	mu             sync.RWMutex
	states         map[ChannelType]ChannelStatus
	serviceRunning bool
}

// NewTracker creates a Tracker with every channel type in StateStopped.
func NewTracker() *Tracker {
	states := make(map[ChannelType]ChannelStatus, len(AllChannelTypes()))
	for _, ct := range AllChannelTypes() {
		states[ct] = ChannelStatus{Channel: ct, State: StateStopped, UpdatedAt: time.Now().UTC()}
	}
	return &Tracker{states: states}
}

// SetChannelState records a state transition for one channel.
func (t *Tracker) SetChannelState(channelType ChannelType, state ConnectionState, cause error) {
	if !channelType.Valid() {
		return
	}
	status := ChannelStatus{
		Channel:   channelType,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
	if cause != nil {
		status.LastError = cause.Error()
	}
	t.mu.Lock()
	t.states[channelType] = status
	t.mu.Unlock()
}

// SetServiceRunning records the process-wide running flag.
func (t *Tracker) SetServiceRunning(running bool) {
	t.mu.Lock()
	t.serviceRunning = running
	t.mu.Unlock()
}

// ChannelState returns the current state of one channel.
func (t *Tracker) ChannelState(channelType ChannelType) ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok := t.states[channelType]
	if !ok {
		return StateStopped
	}
	return status.State
}

// ServiceRunning reports whether any channel keeps the bridge alive.
func (t *Tracker) ServiceRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.serviceRunning
}

// Snapshot returns every channel status in the closed enum order plus the
// service flag.
func (t *Tracker) Snapshot() ([]ChannelStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	items := make([]ChannelStatus, 0, len(t.states))
	for _, ct := range AllChannelTypes() {
		if status, ok := t.states[ct]; ok {
			items = append(items, status)
		}
	}
	return items, t.serviceRunning
}
