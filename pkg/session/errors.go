package session

import "errors"

// Session errors. ErrBadCounter and ErrProtocol are fatal: the session
// disconnects when they occur. The introspection and ownership errors
// are reported to the caller and leave the session running.
var (
	// ErrSessionClosed indicates the session has disconnected.
	ErrSessionClosed = errors.New("session: closed")

	// ErrBadCounter indicates an inbound message id that does not match
	// the expected receive counter.
	ErrBadCounter = errors.New("session: bad counter")

	// ErrProtocol indicates a frame the session cannot make sense of.
	ErrProtocol = errors.New("session: protocol error")

	// ErrLocked indicates the flasher holds exclusive ownership.
	ErrLocked = errors.New("session: locked during flashing")

	// ErrNoIntrospection indicates the device has not provided a
	// description yet and one could not be fetched.
	ErrNoIntrospection = errors.New("session: no introspection data")

	// ErrUnknownFunction indicates a CallFn target the device does not
	// expose.
	ErrUnknownFunction = errors.New("session: unknown function")

	// ErrTimeout indicates a reply did not arrive in time.
	ErrTimeout = errors.New("session: timed out waiting for device")

	// ErrTokensExhausted indicates all 256 token values are awaiting
	// replies. In practice this means the device stopped answering.
	ErrTokensExhausted = errors.New("session: no free token")

	// ErrBadArguments indicates a CallFn argument string that does not
	// match the function's declared signature.
	ErrBadArguments = errors.New("session: bad function arguments")
)
