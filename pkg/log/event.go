package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the connection.
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// DeviceID is the device identifier in lowercase hex (populated
	// after the handshake).
	DeviceID string `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"8,keyasint,omitempty"`  // Transport layer
	Message     *MessageEvent     `cbor:"9,keyasint,omitempty"`  // Wire layer (decoded)
	StateChange *StateChangeEvent `cbor:"10,keyasint,omitempty"` // Session state
	Error       *ErrorEventData   `cbor:"11,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the cipher framing layer (encrypted frames).
	LayerTransport Layer = 0
	// LayerWire is the CoAP codec layer (decoded frames).
	LayerWire Layer = 1
	// LayerSession is the device session layer.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message.
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryError indicates an error event.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures one encrypted frame at the transport layer.
type FrameEvent struct {
	// Size is the wire size in bytes (length prefix plus ciphertext).
	Size int `cbor:"1,keyasint"`

	// Data is the decrypted frame (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded CoAP message at the wire layer.
type MessageEvent struct {
	// Kind is the classified message kind name (Hello, Chunk, ...).
	Kind string `cbor:"1,keyasint"`

	// MessageID is the 16-bit counter field.
	MessageID uint16 `cbor:"2,keyasint"`

	// Token is the correlation token, if any.
	Token []byte `cbor:"3,keyasint,omitempty"`

	// URI is the rendered Uri-Path (requests only).
	URI string `cbor:"4,keyasint,omitempty"`

	// PayloadSize is the payload length in bytes.
	PayloadSize int `cbor:"5,keyasint,omitempty"`
}

// StateChangeEvent captures session lifecycle transitions.
type StateChangeEvent struct {
	// OldState is the previous state (may be empty).
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures an error at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error text.
	Message string `cbor:"2,keyasint"`

	// Context describes what was being attempted.
	Context string `cbor:"3,keyasint,omitempty"`
}
