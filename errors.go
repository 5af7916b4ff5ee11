package blehost

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned when a bounded wait exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrDeviceDisconnected is returned when the peer goes away while an
	// operation on its device is pending.
	ErrDeviceDisconnected = errors.New("device disconnected")

	// ErrChannelDisconnected is returned when an L2CAP channel goes down
	// during a send, receive or flush.
	ErrChannelDisconnected = errors.New("l2cap channel disconnected")

	// ErrNotConnected is returned by operations that require an active
	// connection.
	ErrNotConnected = errors.New("not connected")

	// ErrNotSupported is returned when an operation needs a capability the
	// target object was not built with.
	ErrNotSupported = errors.New("not supported")

	// ErrInProgress is returned when an operation that allows at most one
	// outstanding instance is attempted again.
	ErrInProgress = errors.New("already in progress")

	// ErrAlreadyChannel is returned when a device already owns an L2CAP
	// channel.
	ErrAlreadyChannel = errors.New("device already has a channel")

	// ErrListening is returned when an outgoing L2CAP connect is attempted
	// while the host is in listen mode.
	ErrListening = errors.New("can't connect while listening")

	// ErrNotRegistered is returned by characteristic operations before
	// RegisterServices has assigned a value handle.
	ErrNotRegistered = errors.New("characteristic not registered")
)

// ConnectionError reports a connection attempt rejected by the stack.
type ConnectionError struct {
	Status int
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed: status %d", e.Status)
}

// GattError carries an attribute protocol status code.
type GattError struct {
	Status int
}

func (e *GattError) Error() string {
	return fmt.Sprintf("gatt error: status %d", e.Status)
}
