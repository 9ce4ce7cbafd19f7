package bridge

import (
	"errors"
	"fmt"
)

// ConnectError is a retriable connection-level failure (network loss,
// transient platform outage). The adapter's reconnect machinery handles it;
// it surfaces to the orchestrator only as a state transition.
type ConnectError struct {
	Channel ChannelType
	Op      string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// AuthError is a non-retriable credential failure (malformed or rejected
// credential). It moves the channel straight to StateError; recovery requires
// an explicit reconfigure-and-restart.
type AuthError struct {
	Channel ChannelType
	Reason  string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s auth: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s auth: %s", e.Channel, e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ProtocolError is a malformed platform payload. The single message is
// dropped and logged; the connection is preserved.
type ProtocolError struct {
	Channel ChannelType
	Detail  string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol: %s: %v", e.Channel, e.Detail, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// SendError is a delivery failure for one outbound message. It is surfaced
// to the caller but never tears down the channel.
type SendError struct {
	Channel ChannelType
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send: %v", e.Channel, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is (or wraps) a credential-level failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Retriable reports whether a connection failure should be retried with
// backoff. Everything except credential failures is retriable.
func Retriable(err error) bool {
	return err != nil && !IsAuthError(err)
}
