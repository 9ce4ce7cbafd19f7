package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrChannelNotRegistered indicates no adapter is registered for the type.
var ErrChannelNotRegistered = errors.New("channel not registered")

// ErrChannelDisabled indicates the channel is not enabled in configuration.
var ErrChannelDisabled = errors.New("channel disabled")

// stableUptime is the minimum connected duration after which the reconnect
// backoff resets. A connection that dies faster keeps escalating the delay,
// so a flapping endpoint cannot turn the supervisor into a hot loop.
const stableUptime = time.Minute

type channelRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns the runtime lifecycle of every channel. Each enabled
// channel gets a supervisor goroutine that connects its adapter, watches the
// connection, and reconnects with capped exponential backoff. A failure in
// one channel never touches the others, and a panic inside an adapter is
// contained to its supervisor.
type Orchestrator struct {
	logger   *slog.Logger
	registry *Registry
	configs  *ConfigStore
	tracker  *Tracker
	host     HostLifecycle
	inbound  InboundHandler

	mu   sync.Mutex
	runs map[ChannelType]*channelRun
}

// NewOrchestrator creates an Orchestrator. The tracker is the injected
// observable state sink; the host lifecycle receives keep-alive edges (nil
// means NopLifecycle); the inbound handler is the router's entry point.
func NewOrchestrator(log *slog.Logger, registry *Registry, configs *ConfigStore, tracker *Tracker, host HostLifecycle, inbound InboundHandler) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if host == nil {
		host = NopLifecycle{}
	}
	return &Orchestrator{
		logger:   log.With(slog.String("component", "orchestrator")),
		registry: registry,
		configs:  configs,
		tracker:  tracker,
		host:     host,
		inbound:  inbound,
		runs:     map[ChannelType]*channelRun{},
	}
}

// StartAll starts every enabled channel that has a registered adapter.
// Channels without credentials or with a dead endpoint still get their
// supervisor; the supervisor reports the error state and keeps retrying.
func (o *Orchestrator) StartAll(ctx context.Context) {
	if !o.configs.AnyEnabled() {
		o.logger.Warn("no channels enabled, bridge is idle")
		return
	}
	for _, cfg := range o.configs.All() {
		if !cfg.Enabled {
			continue
		}
		if err := o.StartChannel(ctx, cfg.Type); err != nil {
			o.logger.Warn("channel start skipped",
				slog.String("channel", cfg.Type.String()),
				slog.Any("error", err),
			)
		}
	}
}

// StartChannel starts the supervisor for one channel. Starting an already
// running channel is a no-op: no duplicate connection is ever created.
func (o *Orchestrator) StartChannel(ctx context.Context, channelType ChannelType) error {
	if !channelType.Valid() {
		return fmt.Errorf("unsupported channel type: %s", channelType)
	}
	if _, ok := o.registry.Get(channelType); !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotRegistered, channelType)
	}
	cfg, ok := o.configs.Get(channelType)
	if !ok || !cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrChannelDisabled, channelType)
	}

	o.mu.Lock()
	if _, running := o.runs[channelType]; running {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &channelRun{cancel: cancel, done: make(chan struct{})}
	o.runs[channelType] = run
	first := len(o.runs) == 1
	o.mu.Unlock()

	o.tracker.SetServiceRunning(true)
	if first {
		o.host.Acquire()
	}
	go o.supervise(runCtx, channelType, run)
	return nil
}

// StopChannel stops one channel's supervisor and connection. Other channels
// are untouched. Stopping a channel that is not running is a no-op.
func (o *Orchestrator) StopChannel(ctx context.Context, channelType ChannelType) error {
	o.mu.Lock()
	run, ok := o.runs[channelType]
	if ok {
		delete(o.runs, channelType)
	}
	remaining := len(o.runs)
	o.mu.Unlock()
	if !ok {
		// An explicit stop always lands in stopped, even for a channel whose
		// supervisor already halted on an auth error and parked it in error.
		o.tracker.SetChannelState(channelType, StateStopped, nil)
		return nil
	}
	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.tracker.SetChannelState(channelType, StateStopped, nil)
	if remaining == 0 {
		o.tracker.SetServiceRunning(false)
		o.host.Release()
	}
	return nil
}

// Apply installs new per-channel configs and reconciles runtime state:
// mentioned channels are restarted with the fresh config when enabled and
// stopped when disabled.
func (o *Orchestrator) Apply(ctx context.Context, configs []ChannelConfig) {
	o.configs.Apply(configs)
	for _, cfg := range configs {
		if !cfg.Type.Valid() {
			continue
		}
		if err := o.StopChannel(ctx, cfg.Type); err != nil {
			o.logger.Warn("channel stop failed during apply",
				slog.String("channel", cfg.Type.String()), slog.Any("error", err))
			continue
		}
		if !cfg.Enabled {
			continue
		}
		if err := o.StartChannel(ctx, cfg.Type); err != nil {
			o.logger.Warn("channel start failed during apply",
				slog.String("channel", cfg.Type.String()), slog.Any("error", err))
		}
	}
}

// Shutdown stops every running channel and clears the service flag.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	runs := make(map[ChannelType]*channelRun, len(o.runs))
	for ct, run := range o.runs {
		runs[ct] = run
	}
	o.runs = map[ChannelType]*channelRun{}
	o.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
	for ct, run := range runs {
		select {
		case <-run.done:
			o.tracker.SetChannelState(ct, StateStopped, nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(runs) > 0 {
		o.tracker.SetServiceRunning(false)
		o.host.Release()
	}
	return nil
}

// Running reports whether the channel currently has a supervisor.
func (o *Orchestrator) Running(channelType ChannelType) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[channelType]
	return ok
}

func (o *Orchestrator) supervise(ctx context.Context, channelType ChannelType, run *channelRun) {
	defer close(run.done)
	log := o.logger.With(slog.String("channel", channelType.String()))
	backoff := NewBackoff(DefaultBackoffBase, DefaultBackoffCap)

	for {
		adapter, ok := o.registry.Get(channelType)
		if !ok {
			return
		}
		cfg, ok := o.configs.Get(channelType)
		if !ok || !cfg.Enabled {
			return
		}

		o.tracker.SetChannelState(channelType, StateConnecting, nil)
		conn, err := o.connect(ctx, adapter, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsAuthError(err) {
				// Credentials are rejected; retrying the same secret cannot
				// succeed. The channel parks in error state until a config
				// update restarts it.
				log.Error("authentication rejected, channel halted", slog.Any("error", err))
				o.tracker.SetChannelState(channelType, StateError, err)
				o.clearRun(channelType)
				return
			}
			log.Warn("connect failed, retrying", slog.Any("error", err))
			o.tracker.SetChannelState(channelType, StateReconnecting, err)
			if sleepErr := backoff.Sleep(ctx); sleepErr != nil {
				return
			}
			continue
		}

		o.tracker.SetChannelState(channelType, StateConnected, nil)
		log.Info("channel connected")
		connectedAt := time.Now()

		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if stopErr := conn.Stop(stopCtx); stopErr != nil && !errors.Is(stopErr, ErrStopNotSupported) {
				log.Warn("connection stop failed", slog.Any("error", stopErr))
			}
			cancel()
			return
		case <-conn.Done():
			err := conn.Err()
			if IsAuthError(err) {
				log.Error("authentication rejected, channel halted", slog.Any("error", err))
				o.tracker.SetChannelState(channelType, StateError, err)
				o.clearRun(channelType)
				return
			}
			log.Warn("connection lost, reconnecting", slog.Any("error", err))
			o.tracker.SetChannelState(channelType, StateReconnecting, err)
			if time.Since(connectedAt) >= stableUptime {
				backoff.Reset()
			}
			if sleepErr := backoff.Sleep(ctx); sleepErr != nil {
				return
			}
		}
	}
}

// connect calls the adapter with panic containment. A panicking adapter is
// reported as a connect error on its own channel; the process and the other
// channels keep running.
func (o *Orchestrator) connect(ctx context.Context, adapter Adapter, cfg ChannelConfig) (conn Connection, err error) {
	defer func() {
		if r := recover(); r != nil {
			conn = nil
			err = &ConnectError{Channel: cfg.Type, Op: "connect", Err: fmt.Errorf("adapter panic: %v", r)}
		}
	}()
	state := func(s ConnectionState, cause error) {
		o.tracker.SetChannelState(cfg.Type, s, cause)
	}
	return adapter.Connect(ctx, cfg, o.inbound, state)
}

// clearRun removes the run entry for a supervisor that halted on its own,
// so a later StartChannel can bring the channel back.
func (o *Orchestrator) clearRun(channelType ChannelType) {
	o.mu.Lock()
	delete(o.runs, channelType)
	remaining := len(o.runs)
	o.mu.Unlock()
	if remaining == 0 {
		o.tracker.SetServiceRunning(false)
		o.host.Release()
	}
}
