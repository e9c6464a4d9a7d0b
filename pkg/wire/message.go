package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CoAP protocol constants.
const (
	// Version is the CoAP protocol version (always 1).
	Version = 1

	// MaxTokenLength is the maximum token length in bytes.
	MaxTokenLength = 8

	// PayloadMarker separates the option list from the payload.
	PayloadMarker = 0xFF
)

// Option numbers used by the device protocol.
const (
	// OptUriPath is the Uri-Path option (one value per path segment).
	OptUriPath = 11

	// OptContentFormat is the Content-Format option.
	OptContentFormat = 12

	// OptMaxAge is the Max-Age option; events carry their TTL here.
	OptMaxAge = 14

	// OptUriQuery is the Uri-Query option.
	OptUriQuery = 15

	// OptTimestamp is a private-use option carrying the published-at
	// time of an event as a uint32 unix timestamp.
	OptTimestamp = 2048
)

// Message errors.
var (
	ErrBadVersion  = errors.New("coap: bad protocol version")
	ErrBadToken    = errors.New("coap: token longer than 8 bytes")
	ErrBadFrame    = errors.New("coap: malformed frame")
	ErrBadOption   = errors.New("coap: malformed option")
	ErrFrameLength = errors.New("coap: frame too short")
)

// Type is the CoAP message type.
type Type uint8

const (
	// Confirmable messages require an acknowledgement.
	Confirmable Type = 0

	// NonConfirmable messages do not.
	NonConfirmable Type = 1

	// Acknowledgement messages carry the message id of the request
	// they acknowledge.
	Acknowledgement Type = 2

	// Reset indicates a message could not be processed.
	Reset Type = 3
)

// String returns the message type name.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "UNKNOWN"
	}
}

// Code is the CoAP method or response code (3-bit class, 5-bit detail).
type Code uint8

const (
	// CodeEmpty marks an empty message (ping or pure ack).
	CodeEmpty Code = 0x00

	// Methods.
	CodeGET  Code = 0x01
	CodePOST Code = 0x02
	CodePUT  Code = 0x03

	// Responses.
	CodeChanged         Code = 0x44 // 2.04
	CodeContent         Code = 0x45 // 2.05
	CodeBadRequest      Code = 0x80 // 4.00
	CodeNotFound        Code = 0x84 // 4.04
	CodeTooManyRequests Code = 0x9D // 4.29
	CodeInternalError   Code = 0xA0 // 5.00
)

// Class returns the 3-bit code class.
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the 5-bit code detail.
func (c Code) Detail() uint8 { return uint8(c) & 0x1F }

// IsRequest reports whether the code is a method code.
func (c Code) IsRequest() bool { return c.Class() == 0 && c != CodeEmpty }

// String renders the code in dotted class.detail form.
func (c Code) String() string {
	switch c {
	case CodeEmpty:
		return "0.00"
	case CodeGET:
		return "GET"
	case CodePOST:
		return "POST"
	case CodePUT:
		return "PUT"
	default:
		return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
	}
}

// Option is a single CoAP option instance.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is one CoAP frame as exchanged with a device.
// The 16-bit message id doubles as the session counter.
type Message struct {
	Type    Type
	Code    Code
	ID      uint16
	Token   []byte
	Options []Option
	Payload []byte
}

// IsEmpty reports whether the message carries no code, token, options
// or payload. Empty confirmable messages are keepalive pings.
func (m *Message) IsEmpty() bool {
	return m.Code == CodeEmpty && len(m.Token) == 0 &&
		len(m.Options) == 0 && len(m.Payload) == 0
}

// IsAck reports whether the message is an acknowledgement.
func (m *Message) IsAck() bool { return m.Type == Acknowledgement }

// AddOption appends an option instance.
func (m *Message) AddOption(number uint16, value []byte) {
	m.Options = append(m.Options, Option{Number: number, Value: value})
}

// OptionValue returns the first value of the given option number.
func (m *Message) OptionValue(number uint16) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Number == number {
			return o.Value, true
		}
	}
	return nil, false
}

// SetUriPath splits path on "/" and stores one Uri-Path option per
// segment. A leading slash is ignored.
func (m *Message) SetUriPath(path string) {
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if seg != "" {
			m.AddOption(OptUriPath, []byte(seg))
		}
	}
}

// UriPath joins all Uri-Path options with "/".
func (m *Message) UriPath() string {
	var segs []string
	for _, o := range m.Options {
		if o.Number == OptUriPath {
			segs = append(segs, string(o.Value))
		}
	}
	return strings.Join(segs, "/")
}

// UriPathSegments returns the raw Uri-Path segments.
func (m *Message) UriPathSegments() []string {
	var segs []string
	for _, o := range m.Options {
		if o.Number == OptUriPath {
			segs = append(segs, string(o.Value))
		}
	}
	return segs
}

// SetUriQuery splits query on "&" and stores one Uri-Query option per
// key[=value] pair.
func (m *Message) SetUriQuery(query string) {
	for _, part := range strings.Split(query, "&") {
		if part != "" {
			m.AddOption(OptUriQuery, []byte(part))
		}
	}
}

// UriQuery joins all Uri-Query options with "&".
func (m *Message) UriQuery() string {
	var parts []string
	for _, o := range m.Options {
		if o.Number == OptUriQuery {
			parts = append(parts, string(o.Value))
		}
	}
	return strings.Join(parts, "&")
}

// HasQueryFlag reports whether a bare query key is present
// (either "u" or "u=1" count as set).
func (m *Message) HasQueryFlag(key string) bool {
	for _, o := range m.Options {
		if o.Number != OptUriQuery {
			continue
		}
		v := string(o.Value)
		if v == key || strings.HasPrefix(v, key+"=") {
			return true
		}
	}
	return false
}

// SetMaxAge stores a Max-Age option as a minimal big-endian uint.
func (m *Message) SetMaxAge(seconds uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], seconds)
	i := 0
	for i < 3 && b[i] == 0 {
		i++
	}
	m.AddOption(OptMaxAge, b[i:])
}

// MaxAge returns the Max-Age option value, or (0, false) if absent.
func (m *Message) MaxAge() (uint32, bool) {
	v, ok := m.OptionValue(OptMaxAge)
	if !ok || len(v) > 4 {
		return 0, false
	}
	var age uint32
	for _, b := range v {
		age = age<<8 | uint32(b)
	}
	return age, true
}

// SetTimestamp stores the private Timestamp option as uint32 UTC seconds.
func (m *Message) SetTimestamp(t time.Time) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(t.Unix()))
	m.AddOption(OptTimestamp, b[:])
}

// Timestamp returns the private Timestamp option, or (zero, false).
func (m *Message) Timestamp() (time.Time, bool) {
	v, ok := m.OptionValue(OptTimestamp)
	if !ok || len(v) != 4 {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.BigEndian.Uint32(v)), 0).UTC(), true
}

// sortOptions orders options by number, preserving insertion order
// within a number (CoAP options must be delta-encoded in order).
func (m *Message) sortOptions() {
	sort.SliceStable(m.Options, func(i, j int) bool {
		return m.Options[i].Number < m.Options[j].Number
	})
}
