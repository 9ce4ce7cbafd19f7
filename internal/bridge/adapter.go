package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection does not support
// graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// InboundHandler is the callback an adapter invokes for every canonical
// inbound message. Implementations must not block beyond enqueueing.
type InboundHandler func(ctx context.Context, msg InboundMessage) error

// StateFunc reports a ConnectionState transition to the supervision layer.
// cause is non-nil for transitions into StateReconnecting and StateError.
type StateFunc func(state ConnectionState, cause error)

// Adapter is the protocol-specific implementation of the channel contract
// for one external platform. Exactly one adapter is registered per
// ChannelType.
type Adapter interface {
	Type() ChannelType

	// Connect establishes the platform transport and begins delivering
	// inbound messages to handler. It returns once the transport is set up;
	// the receive loop runs on its own goroutine until the Connection is
	// stopped. Connection-level failures after a successful Connect are
	// reported through state and the Connection's Done channel, never as
	// errors crossing into the router.
	Connect(ctx context.Context, cfg ChannelConfig, handler InboundHandler, state StateFunc) (Connection, error)

	// Send delivers one outbound message. A failure is a SendError for that
	// message only and must not tear down the connection.
	Send(ctx context.Context, cfg ChannelConfig, msg OutboundMessage) error
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	// Stop cancels the in-flight network operation and any pending backoff
	// timer, then returns once the adapter has confirmed shutdown.
	Stop(ctx context.Context) error
	Running() bool
	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}
	// Err returns the terminal failure recorded by Fail, or nil after a
	// clean Stop.
	Err() error
}

// BaseConnection is the default Connection implementation backed by a stop
// function. Adapters mark fatal loop exits with Fail so the orchestrator's
// supervisor can schedule a restart.
type BaseConnection struct {
	stop    func(ctx context.Context) error
	running atomic.Bool
	done    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

// NewConnection creates a running BaseConnection with the given stop function.
func NewConnection(stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		stop: stop,
		done: make(chan struct{}),
	}
	conn.running.Store(true)
	return conn
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	c.running.Store(false)
	var err error
	if c.stop == nil {
		err = ErrStopNotSupported
	} else {
		err = c.stop(ctx)
	}
	c.once.Do(func() { close(c.done) })
	return err
}

// Fail records a fatal connection failure and closes Done.
func (c *BaseConnection) Fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.running.Store(false)
	c.once.Do(func() { close(c.done) })
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}

// Done returns a channel closed when the connection ends.
func (c *BaseConnection) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure recorded by Fail, if any.
func (c *BaseConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
