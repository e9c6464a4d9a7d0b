package wire

import (
	"encoding/binary"
	"fmt"
)

// Marshal encodes a message into CoAP 1.0 wire format.
func Marshal(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrBadToken
	}

	buf := make([]byte, 0, 4+len(m.Token)+len(m.Payload)+16)
	buf = append(buf, byte(Version)<<6|byte(m.Type)<<4|byte(len(m.Token)))
	buf = append(buf, byte(m.Code))

	var id [2]byte
	binary.BigEndian.PutUint16(id[:], m.ID)
	buf = append(buf, id[:]...)
	buf = append(buf, m.Token...)

	m.sortOptions()
	prev := uint16(0)
	for _, o := range m.Options {
		if o.Number < prev {
			return nil, ErrBadOption
		}
		buf = appendOption(buf, o.Number-prev, o.Value)
		prev = o.Number
	}

	if len(m.Payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// Unmarshal decodes a CoAP 1.0 frame.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrFrameLength
	}
	if data[0]>>6 != Version {
		return nil, ErrBadVersion
	}

	m := &Message{
		Type: Type(data[0] >> 4 & 0x03),
		Code: Code(data[1]),
		ID:   binary.BigEndian.Uint16(data[2:4]),
	}

	tkl := int(data[0] & 0x0F)
	if tkl > MaxTokenLength {
		return nil, ErrBadToken
	}
	if len(data) < 4+tkl {
		return nil, ErrFrameLength
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[4:4+tkl]...)
	}

	rest := data[4+tkl:]
	number := uint16(0)
	for len(rest) > 0 {
		if rest[0] == PayloadMarker {
			if len(rest) == 1 {
				// Marker with no payload is malformed.
				return nil, ErrBadFrame
			}
			m.Payload = append([]byte(nil), rest[1:]...)
			return m, nil
		}

		delta, length, n, err := parseOptionHeader(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]
		if len(rest) < length {
			return nil, ErrBadOption
		}
		number += delta
		m.AddOption(number, append([]byte(nil), rest[:length]...))
		rest = rest[length:]
	}
	return m, nil
}

// appendOption encodes one option with the standard CoAP nibble/extended
// delta scheme (13 -> one extra byte, 14 -> two extra bytes).
func appendOption(buf []byte, delta uint16, value []byte) []byte {
	dn, dext := encodeOptionNibble(delta)
	ln, lext := encodeOptionNibble(uint16(len(value)))

	buf = append(buf, dn<<4|ln)
	buf = append(buf, dext...)
	buf = append(buf, lext...)
	return append(buf, value...)
}

// encodeOptionNibble returns the 4-bit field and extension bytes for a
// delta or length value.
func encodeOptionNibble(v uint16) (byte, []byte) {
	switch {
	case v < 13:
		return byte(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, v-269)
		return 14, ext
	}
}

// parseOptionHeader decodes the option delta and length fields, returning
// how many header bytes were consumed.
func parseOptionHeader(data []byte) (delta uint16, length int, n int, err error) {
	dn := data[0] >> 4
	ln := data[0] & 0x0F
	n = 1

	decode := func(nib byte) (uint16, error) {
		switch nib {
		case 13:
			if len(data) < n+1 {
				return 0, ErrBadOption
			}
			v := uint16(data[n]) + 13
			n++
			return v, nil
		case 14:
			if len(data) < n+2 {
				return 0, ErrBadOption
			}
			v := binary.BigEndian.Uint16(data[n:n+2]) + 269
			n += 2
			return v, nil
		case 15:
			return 0, ErrBadOption // reserved, only valid in the payload marker
		default:
			return uint16(nib), nil
		}
	}

	if delta, err = decode(dn); err != nil {
		return 0, 0, 0, err
	}
	l, err := decode(ln)
	if err != nil {
		return 0, 0, 0, err
	}
	return delta, int(l), n, nil
}

// NewAck builds an empty acknowledgement for the given message id.
func NewAck(id uint16) *Message {
	return &Message{Type: Acknowledgement, Code: CodeEmpty, ID: id}
}

// NewPing builds an empty confirmable keepalive message.
func NewPing(id uint16) *Message {
	return &Message{Type: Confirmable, Code: CodeEmpty, ID: id}
}

// String renders a short debug form of the message.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s id=%d tkl=%d uri=%q plen=%d",
		m.Type, m.Code, m.ID, len(m.Token), m.UriPath(), len(m.Payload))
}
