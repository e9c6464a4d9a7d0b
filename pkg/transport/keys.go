// Package transport implements the cipher session that sits between the
// raw socket and the frame codec. After the handshake both sides hold a
// 40-byte session key; everything from the first Hello onward travels as
// AES-128-CBC messages framed by a 2-byte big-endian length prefix.
package transport

import (
	"errors"

	"github.com/corelink-protocol/corelink-go/pkg/crypto"
)

// ErrSessionKeySize indicates a session key of the wrong length.
var ErrSessionKeySize = errors.New("transport: session key must be 40 bytes")

// SessionKey is the 40-byte secret negotiated by the handshake.
//
// Split layout: key [0:16], send IV [16:32], receive IV [24:40]. The IV
// windows overlap by design so the whole 40 bytes is load-bearing; the
// two CBC chains diverge after the first message anyway.
type SessionKey [crypto.SessionKeySize]byte

// NewSessionKey copies a 40-byte slice into a SessionKey.
func NewSessionKey(b []byte) (SessionKey, error) {
	var k SessionKey
	if len(b) != crypto.SessionKeySize {
		return k, ErrSessionKeySize
	}
	copy(k[:], b)
	return k, nil
}

// Key returns the AES-128 key portion.
func (k SessionKey) Key() []byte { return k[0:16] }

// SendIV returns the initial IV for the server-to-device direction.
func (k SessionKey) SendIV() []byte { return k[16:32] }

// RecvIV returns the initial IV for the device-to-server direction.
func (k SessionKey) RecvIV() []byte { return k[24:40] }

// Streams builds the server-side cipher pair: an encrypter seeded with
// the send IV and a decrypter seeded with the receive IV.
func (k SessionKey) Streams() (*crypto.Encrypter, *crypto.Decrypter, error) {
	enc, err := crypto.NewEncrypter(k.Key(), k.SendIV())
	if err != nil {
		return nil, nil, err
	}
	dec, err := crypto.NewDecrypter(k.Key(), k.RecvIV())
	if err != nil {
		return nil, nil, err
	}
	return enc, dec, nil
}

// DeviceStreams builds the device-side cipher pair, the mirror image of
// Streams. Only tests and simulators need this.
func (k SessionKey) DeviceStreams() (*crypto.Encrypter, *crypto.Decrypter, error) {
	enc, err := crypto.NewEncrypter(k.Key(), k.RecvIV())
	if err != nil {
		return nil, nil, err
	}
	dec, err := crypto.NewDecrypter(k.Key(), k.SendIV())
	if err != nil {
		return nil, nil, err
	}
	return enc, dec, nil
}
