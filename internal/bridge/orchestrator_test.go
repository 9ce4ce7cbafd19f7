package bridge

import (
	"context"
	"sync"
	"testing"
	"time"
)

type scriptedAdapter struct {
	channelType    ChannelType
	connectErr     error
	panicOnConnect bool

	mu       sync.Mutex
	connects int
	conns    []*BaseConnection
}

func (a *scriptedAdapter) Type() ChannelType { return a.channelType }

func (a *scriptedAdapter) Connect(context.Context, ChannelConfig, InboundHandler, StateFunc) (Connection, error) {
	a.mu.Lock()
	a.connects++
	a.mu.Unlock()
	if a.panicOnConnect {
		panic("adapter exploded")
	}
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := NewConnection(nil)
	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()
	return conn, nil
}

func (a *scriptedAdapter) Send(context.Context, ChannelConfig, OutboundMessage) error {
	return nil
}

func (a *scriptedAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *scriptedAdapter) lastConn() *BaseConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

func newTestOrchestrator(t *testing.T, adapters ...Adapter) (*Orchestrator, *Tracker) {
	t.Helper()
	registry := NewRegistry()
	var configs []ChannelConfig
	for _, a := range adapters {
		registry.MustRegister(a)
		configs = append(configs, ChannelConfig{Type: a.Type(), Enabled: true})
	}
	tracker := NewTracker()
	orch := NewOrchestrator(nil, registry, NewConfigStore(configs), tracker, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return orch, tracker
}

func TestOrchestratorStartIdempotent(t *testing.T) {
	adapter := &scriptedAdapter{channelType: ChannelTelegram}
	orch, tracker := newTestOrchestrator(t, adapter)

	ctx := context.Background()
	if err := orch.StartChannel(ctx, ChannelTelegram); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := orch.StartChannel(ctx, ChannelTelegram); err != nil {
		t.Fatalf("second start must be a no-op, got: %v", err)
	}
	waitFor(t, func() bool { return tracker.ChannelState(ChannelTelegram) == StateConnected })
	if got := adapter.connectCount(); got != 1 {
		t.Fatalf("connect called %d times, want 1", got)
	}
}

func TestOrchestratorStartValidation(t *testing.T) {
	adapter := &scriptedAdapter{channelType: ChannelTelegram}
	registry := NewRegistry()
	registry.MustRegister(adapter)
	configs := NewConfigStore([]ChannelConfig{{Type: ChannelTelegram, Enabled: false}})
	orch := NewOrchestrator(nil, registry, configs, NewTracker(), nil, nil)

	if err := orch.StartChannel(context.Background(), ChannelTelegram); err == nil {
		t.Fatal("disabled channel must not start")
	}
	if err := orch.StartChannel(context.Background(), ChannelDiscord); err == nil {
		t.Fatal("unregistered channel must not start")
	}
	if err := orch.StartChannel(context.Background(), "irc"); err == nil {
		t.Fatal("invalid channel type must not start")
	}
}

func TestOrchestratorStopChannelIndependent(t *testing.T) {
	tg := &scriptedAdapter{channelType: ChannelTelegram}
	dc := &scriptedAdapter{channelType: ChannelDiscord}
	orch, tracker := newTestOrchestrator(t, tg, dc)

	ctx := context.Background()
	orch.StartAll(ctx)
	waitFor(t, func() bool {
		return tracker.ChannelState(ChannelTelegram) == StateConnected &&
			tracker.ChannelState(ChannelDiscord) == StateConnected
	})
	if !tracker.ServiceRunning() {
		t.Fatal("service flag should be set while channels run")
	}

	if err := orch.StopChannel(ctx, ChannelTelegram); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := tracker.ChannelState(ChannelTelegram); got != StateStopped {
		t.Fatalf("telegram state = %s, want stopped", got)
	}
	if got := tracker.ChannelState(ChannelDiscord); got != StateConnected {
		t.Fatalf("discord state = %s, stopping telegram must not touch it", got)
	}
	if !tracker.ServiceRunning() {
		t.Fatal("service flag must stay set while discord runs")
	}

	if err := orch.StopChannel(ctx, ChannelDiscord); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if tracker.ServiceRunning() {
		t.Fatal("service flag must clear when the last channel stops")
	}

	// Stopping a stopped channel is a no-op.
	if err := orch.StopChannel(ctx, ChannelTelegram); err != nil {
		t.Fatalf("redundant stop must be a no-op, got: %v", err)
	}
}

func TestOrchestratorAuthErrorTerminal(t *testing.T) {
	adapter := &scriptedAdapter{
		channelType: ChannelSlack,
		connectErr:  &AuthError{Channel: ChannelSlack, Reason: "token rejected"},
	}
	orch, tracker := newTestOrchestrator(t, adapter)

	if err := orch.StartChannel(context.Background(), ChannelSlack); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, func() bool { return tracker.ChannelState(ChannelSlack) == StateError })
	waitFor(t, func() bool { return !orch.Running(ChannelSlack) })
	if got := adapter.connectCount(); got != 1 {
		t.Fatalf("connect retried %d times after auth rejection, want 1", got)
	}
}

func TestOrchestratorStopClearsErrorState(t *testing.T) {
	adapter := &scriptedAdapter{
		channelType: ChannelSlack,
		connectErr:  &AuthError{Channel: ChannelSlack, Reason: "token revoked"},
	}
	orch, tracker := newTestOrchestrator(t, adapter)

	ctx := context.Background()
	if err := orch.StartChannel(ctx, ChannelSlack); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, func() bool { return tracker.ChannelState(ChannelSlack) == StateError })
	waitFor(t, func() bool { return !orch.Running(ChannelSlack) })

	// The supervisor already halted, so the run entry is gone. An explicit
	// stop must still clear the error state.
	if err := orch.StopChannel(ctx, ChannelSlack); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := tracker.ChannelState(ChannelSlack); got != StateStopped {
		t.Fatalf("state after stop = %s, want stopped", got)
	}
}

type fakeLifecycle struct {
	mu       sync.Mutex
	acquires int
	releases int
}

func (f *fakeLifecycle) Acquire() {
	f.mu.Lock()
	f.acquires++
	f.mu.Unlock()
}

func (f *fakeLifecycle) Release() {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
}

func (f *fakeLifecycle) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.releases
}

func newLifecycleOrchestrator(t *testing.T, host HostLifecycle, adapters ...Adapter) (*Orchestrator, *Tracker) {
	t.Helper()
	registry := NewRegistry()
	var configs []ChannelConfig
	for _, a := range adapters {
		registry.MustRegister(a)
		configs = append(configs, ChannelConfig{Type: a.Type(), Enabled: true})
	}
	tracker := NewTracker()
	orch := NewOrchestrator(nil, registry, NewConfigStore(configs), tracker, host, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return orch, tracker
}

func TestOrchestratorHostLifecycleEdges(t *testing.T) {
	host := &fakeLifecycle{}
	tg := &scriptedAdapter{channelType: ChannelTelegram}
	dc := &scriptedAdapter{channelType: ChannelDiscord}
	orch, tracker := newLifecycleOrchestrator(t, host, tg, dc)

	ctx := context.Background()
	orch.StartAll(ctx)
	waitFor(t, func() bool {
		return tracker.ChannelState(ChannelTelegram) == StateConnected &&
			tracker.ChannelState(ChannelDiscord) == StateConnected
	})
	if acq, rel := host.counts(); acq != 1 || rel != 0 {
		t.Fatalf("after start: acquires=%d releases=%d, want 1/0", acq, rel)
	}

	// Draining to one channel is not an edge.
	if err := orch.StopChannel(ctx, ChannelTelegram); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if acq, rel := host.counts(); acq != 1 || rel != 0 {
		t.Fatalf("after partial stop: acquires=%d releases=%d, want 1/0", acq, rel)
	}

	// Draining to empty releases once.
	if err := orch.StopChannel(ctx, ChannelDiscord); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if acq, rel := host.counts(); acq != 1 || rel != 1 {
		t.Fatalf("after full stop: acquires=%d releases=%d, want 1/1", acq, rel)
	}

	// Restarting crosses the empty-to-non-empty edge again.
	if err := orch.StartChannel(ctx, ChannelTelegram); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if acq, _ := host.counts(); acq != 2 {
		t.Fatalf("after restart: acquires=%d, want 2", acq)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutCtx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if acq, rel := host.counts(); acq != 2 || rel != 2 {
		t.Fatalf("after shutdown: acquires=%d releases=%d, want 2/2", acq, rel)
	}

	// Shutdown with nothing running must not release again.
	if err := orch.Shutdown(shutCtx); err != nil {
		t.Fatalf("idle shutdown failed: %v", err)
	}
	if _, rel := host.counts(); rel != 2 {
		t.Fatalf("idle shutdown released again: releases=%d, want 2", rel)
	}
}

func TestOrchestratorReleasesHostOnAuthHalt(t *testing.T) {
	host := &fakeLifecycle{}
	adapter := &scriptedAdapter{
		channelType: ChannelSlack,
		connectErr:  &AuthError{Channel: ChannelSlack, Reason: "token rejected"},
	}
	orch, tracker := newLifecycleOrchestrator(t, host, adapter)

	if err := orch.StartChannel(context.Background(), ChannelSlack); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, func() bool { return tracker.ChannelState(ChannelSlack) == StateError })
	waitFor(t, func() bool {
		_, rel := host.counts()
		return rel == 1
	})
	if tracker.ServiceRunning() {
		t.Fatal("service flag must clear when the last supervisor halts")
	}
}

func TestOrchestratorCrashIsolation(t *testing.T) {
	boom := &scriptedAdapter{channelType: ChannelMatrix, panicOnConnect: true}
	ok := &scriptedAdapter{channelType: ChannelTelegram}
	orch, tracker := newTestOrchestrator(t, boom, ok)

	orch.StartAll(context.Background())
	waitFor(t, func() bool { return tracker.ChannelState(ChannelTelegram) == StateConnected })
	waitFor(t, func() bool { return tracker.ChannelState(ChannelMatrix) == StateReconnecting })
	// The panicking channel keeps retrying with backoff while the healthy
	// channel keeps serving.
	if got := tracker.ChannelState(ChannelTelegram); got != StateConnected {
		t.Fatalf("healthy channel degraded to %s", got)
	}
}

func TestOrchestratorReconnectsAfterConnectionLoss(t *testing.T) {
	adapter := &scriptedAdapter{channelType: ChannelTelegram}
	orch, tracker := newTestOrchestrator(t, adapter)

	if err := orch.StartChannel(context.Background(), ChannelTelegram); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, func() bool { return tracker.ChannelState(ChannelTelegram) == StateConnected })

	adapter.lastConn().Fail(&ConnectError{Channel: ChannelTelegram, Op: "poll", Err: context.DeadlineExceeded})
	waitFor(t, func() bool { return adapter.connectCount() >= 2 })
	waitFor(t, func() bool { return tracker.ChannelState(ChannelTelegram) == StateConnected })
}
