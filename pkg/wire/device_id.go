package wire

import (
	"encoding/hex"
	"errors"
)

// DeviceIDSize is the length of a device identifier in bytes.
const DeviceIDSize = 12

// ErrBadDeviceID indicates a malformed device identifier.
var ErrBadDeviceID = errors.New("wire: device id must be 12 bytes (24 hex chars)")

// DeviceID is the opaque 12-byte identifier a device presents during
// the handshake. It renders as lowercase hex everywhere.
type DeviceID [DeviceIDSize]byte

// String returns the lowercase hex rendering used in logs and file names.
func (id DeviceID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is all zero bytes.
func (id DeviceID) IsZero() bool {
	return id == DeviceID{}
}

// ParseDeviceID parses a 24-character hex string into a DeviceID.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != DeviceIDSize {
		return id, ErrBadDeviceID
	}
	copy(id[:], b)
	return id, nil
}

// DeviceIDFromBytes copies a 12-byte slice into a DeviceID.
func DeviceIDFromBytes(b []byte) (DeviceID, error) {
	var id DeviceID
	if len(b) != DeviceIDSize {
		return id, ErrBadDeviceID
	}
	copy(id[:], b)
	return id, nil
}
