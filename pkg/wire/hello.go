package wire

import "encoding/binary"

// HelloPayload carries the identity fields a device announces in its
// Hello frame: three optional little-endian uint16 values. Older
// firmware omits trailing fields, so any prefix of the three is valid.
type HelloPayload struct {
	ProductID       uint16
	FirmwareVersion uint16
	PlatformID      uint16
}

// Encode renders the payload as up to three little-endian uint16 values.
func (h HelloPayload) Encode() []byte {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint16(b[0:2], h.ProductID)
	binary.LittleEndian.PutUint16(b[2:4], h.FirmwareVersion)
	binary.LittleEndian.PutUint16(b[4:6], h.PlatformID)
	return b
}

// DecodeHelloPayload reads whatever prefix of the three fields is
// present. Absent fields stay zero.
func DecodeHelloPayload(payload []byte) HelloPayload {
	var h HelloPayload
	if len(payload) >= 2 {
		h.ProductID = binary.LittleEndian.Uint16(payload[0:2])
	}
	if len(payload) >= 4 {
		h.FirmwareVersion = binary.LittleEndian.Uint16(payload[2:4])
	}
	if len(payload) >= 6 {
		h.PlatformID = binary.LittleEndian.Uint16(payload[4:6])
	}
	return h
}
