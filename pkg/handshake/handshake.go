// Package handshake implements the connection establishment exchange:
// four fixed-length messages over the raw socket that authenticate the
// device, agree on a 40-byte session key and confirm the cipher streams
// with a Hello round trip.
//
// Sequence, server side:
//
//	1. server -> device: 40 random bytes (nonce), in the clear
//	2. device -> server: one RSA block, OAEP under the server public key,
//	   carrying nonce || device id (52 bytes)
//	3. server -> device: one RSA block, OAEP under the device public key,
//	   carrying session key || HMAC-SHA1(session key, device public key DER)
//	4. both sides switch to the cipher session; the device sends Hello,
//	   the server answers with its own Hello
//
// Any length mismatch, decrypt failure, nonce or digest mismatch, or an
// unknown device id aborts the exchange and the caller closes the socket.
package handshake

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/corelink-protocol/corelink-go/pkg/crypto"
	"github.com/corelink-protocol/corelink-go/pkg/log"
	"github.com/corelink-protocol/corelink-go/pkg/transport"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// Handshake errors.
var (
	// ErrNonceMismatch indicates the device echoed a different nonce
	// than the one sent.
	ErrNonceMismatch = errors.New("handshake: nonce mismatch")

	// ErrUnknownDevice indicates the device id is not present in the
	// key store.
	ErrUnknownDevice = errors.New("handshake: unknown device")

	// ErrBadBlock indicates a handshake block of unexpected length or
	// one that failed to decrypt.
	ErrBadBlock = errors.New("handshake: bad handshake block")

	// ErrDigestMismatch indicates the session key digest did not verify.
	ErrDigestMismatch = errors.New("handshake: session key digest mismatch")

	// ErrBadHello indicates the first cipher frame was not a valid Hello.
	ErrBadHello = errors.New("handshake: bad hello")
)

// DeviceKeyStore resolves a device id to its registered public key.
// Implementations return an error satisfying errors.Is(err,
// ErrUnknownDevice) semantics via any error; the handshake wraps every
// lookup failure in ErrUnknownDevice.
type DeviceKeyStore interface {
	// PublicKey returns the RSA public key registered for the device.
	PublicKey(id wire.DeviceID) (*rsa.PublicKey, error)
}

// Result carries everything the session layer needs after a successful
// exchange.
type Result struct {
	// DeviceID is the authenticated 12-byte device identifier.
	DeviceID wire.DeviceID

	// Key is the negotiated 40-byte session key.
	Key transport.SessionKey

	// Cipher is the established cipher session over the socket.
	Cipher *transport.CipherSession

	// Hello is the device's decoded Hello payload.
	Hello wire.HelloPayload

	// HelloID is the message id of the device's Hello. The session
	// seeds its receive counter from it.
	HelloID uint16

	// SendSeed is the message id of the server's Hello reply. The
	// session continues its send counter from it.
	SendSeed uint16
}

// Server runs the gateway side of the exchange.
type Server struct {
	// Priv is the gateway RSA private key (1024 bits).
	Priv *rsa.PrivateKey

	// Keys resolves device public keys.
	Keys DeviceKeyStore

	// Logger receives protocol events; nil disables logging.
	Logger log.Logger

	// ConnID tags log events; usually the tracker's connection id.
	ConnID string
}

// Do runs the full exchange over rw. The caller is responsible for
// socket deadlines and for closing the socket on error.
func (s *Server) Do(rw io.ReadWriter) (*Result, error) {
	nonce, err := crypto.RandNonce()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate nonce: %w", err)
	}
	if _, err := rw.Write(nonce); err != nil {
		return nil, fmt.Errorf("handshake: send nonce: %w", err)
	}

	block := make([]byte, crypto.RSABlockSize)
	if _, err := io.ReadFull(rw, block); err != nil {
		return nil, fmt.Errorf("%w: read device response: %v", ErrBadBlock, err)
	}
	plain, err := crypto.DecryptOAEP(s.Priv, block)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt device response: %v", ErrBadBlock, err)
	}
	if len(plain) != crypto.NonceSize+wire.DeviceIDSize {
		return nil, fmt.Errorf("%w: device response is %d bytes", ErrBadBlock, len(plain))
	}
	if !bytes.Equal(plain[:crypto.NonceSize], nonce) {
		return nil, ErrNonceMismatch
	}
	deviceID, err := wire.DeviceIDFromBytes(plain[crypto.NonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBlock, err)
	}

	devicePub, err := s.Keys.PublicKey(deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownDevice, deviceID, err)
	}

	keyBytes, err := crypto.RandSessionKey()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate session key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(devicePub)
	if err != nil {
		return nil, fmt.Errorf("handshake: encode device key: %w", err)
	}
	digest := crypto.HMACSHA1(keyBytes, pubDER)

	reply, err := crypto.EncryptOAEP(devicePub, append(append([]byte{}, keyBytes...), digest...))
	if err != nil {
		return nil, fmt.Errorf("handshake: encrypt session key: %w", err)
	}
	if _, err := rw.Write(reply); err != nil {
		return nil, fmt.Errorf("handshake: send session key: %w", err)
	}

	key, err := transport.NewSessionKey(keyBytes)
	if err != nil {
		return nil, err
	}
	cipher, err := transport.NewCipherSession(rw, key)
	if err != nil {
		return nil, fmt.Errorf("handshake: build cipher session: %w", err)
	}
	if s.Logger != nil {
		cipher.SetLogger(s.Logger, s.ConnID)
	}

	hello, helloID, err := readHello(cipher)
	if err != nil {
		return nil, err
	}

	sendSeed, err := crypto.RandUint16()
	if err != nil {
		return nil, fmt.Errorf("handshake: seed counter: %w", err)
	}
	if err := writeHello(cipher, sendSeed, wire.HelloPayload{}); err != nil {
		return nil, err
	}
	s.logState(deviceID)

	return &Result{
		DeviceID: deviceID,
		Key:      key,
		Cipher:   cipher,
		Hello:    hello,
		HelloID:  helloID,
		SendSeed: sendSeed,
	}, nil
}

func (s *Server) logState(id wire.DeviceID) {
	if s.Logger == nil {
		return
	}
	s.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.ConnID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		DeviceID:     id.String(),
		StateChange: &log.StateChangeEvent{
			OldState: "HANDSHAKE",
			NewState: "HELLO",
			Reason:   "handshake complete",
		},
	})
}

// readHello reads and validates the peer's Hello frame.
func readHello(fr transport.FrameReadWriter) (wire.HelloPayload, uint16, error) {
	frame, err := fr.ReadFrame()
	if err != nil {
		return wire.HelloPayload{}, 0, fmt.Errorf("%w: read: %v", ErrBadHello, err)
	}
	msg, err := wire.Unmarshal(frame)
	if err != nil {
		return wire.HelloPayload{}, 0, fmt.Errorf("%w: decode: %v", ErrBadHello, err)
	}
	if wire.RouteRequest(msg) != wire.KindHello {
		return wire.HelloPayload{}, 0, fmt.Errorf("%w: got %s %q", ErrBadHello, msg.Code, msg.UriPath())
	}
	return wire.DecodeHelloPayload(msg.Payload), msg.ID, nil
}

// writeHello sends a Hello frame with the given message id.
func writeHello(fr transport.FrameReadWriter, id uint16, payload wire.HelloPayload) error {
	msg := &wire.Message{
		Type:    wire.Confirmable,
		Code:    wire.CodePOST,
		ID:      id,
		Payload: payload.Encode(),
	}
	msg.SetUriPath("h")
	frame, err := wire.Marshal(msg)
	if err != nil {
		return fmt.Errorf("handshake: encode hello: %w", err)
	}
	if err := fr.WriteFrame(frame); err != nil {
		return fmt.Errorf("handshake: send hello: %w", err)
	}
	return nil
}
