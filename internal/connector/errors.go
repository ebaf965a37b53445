package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start on a client that has already
	// left the idle state.
	ErrAlreadyStarted = errors.New("relay client already started")

	// ErrAuthRejected is wrapped when strict auth is on and the relay
	// answers the auth frame with a non-zero code.
	ErrAuthRejected = errors.New("relay rejected auth")
)

// Bootstrap steps.
const (
	StepDeviceID  = "device_id"
	StepKeys      = "wbi_keys"
	StepRoomToken = "room_token"
)

// BootstrapError is a hard failure obtaining relay credentials.
type BootstrapError struct {
	Step string
	Err  error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Step, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// ConnectError is a failure dialing the relay.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to relay %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthSendError is a local failure writing the auth frame.
type AuthSendError struct {
	Err error
}

func (e *AuthSendError) Error() string {
	return fmt.Sprintf("send auth frame: %v", e.Err)
}

func (e *AuthSendError) Unwrap() error { return e.Err }

// ConnectionLostError ends a live run: EOF, read timeout, read error or a
// failed heartbeat write.
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("relay connection lost: %v", e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }
