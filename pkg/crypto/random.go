package crypto

import (
	"crypto/rand"
	"encoding/binary"
)

// NonceSize is the handshake nonce length in bytes.
const NonceSize = 40

// SessionKeySize is the negotiated session key length in bytes.
const SessionKeySize = 40

// RandBytes fills and returns a slice of n cryptographically random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandNonce returns a fresh 40-byte handshake nonce.
func RandNonce() ([]byte, error) {
	return RandBytes(NonceSize)
}

// RandSessionKey returns a fresh 40-byte session key.
func RandSessionKey() ([]byte, error) {
	return RandBytes(SessionKeySize)
}

// RandUint16 returns a cryptographically random 16-bit value.
// Sessions use this to seed their send counter.
func RandUint16() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
