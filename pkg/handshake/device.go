package handshake

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/corelink-protocol/corelink-go/pkg/crypto"
	"github.com/corelink-protocol/corelink-go/pkg/transport"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// Device runs the device side of the exchange. Only tests and device
// simulators need this; real devices speak the protocol from firmware.
type Device struct {
	// Priv is the device RSA private key (1024 bits).
	Priv *rsa.PrivateKey

	// ServerPub is the gateway public key burned into the device.
	ServerPub *rsa.PublicKey

	// ID is the 12-byte device identifier.
	ID wire.DeviceID

	// Hello is the payload to announce (product, firmware, platform).
	Hello wire.HelloPayload
}

// DeviceResult carries the device-side session state after a successful
// exchange.
type DeviceResult struct {
	// Key is the session key the server chose.
	Key transport.SessionKey

	// Cipher is the device-side cipher session over the socket.
	Cipher *transport.CipherSession

	// HelloID is the message id the device used for its Hello.
	HelloID uint16

	// ServerHelloID is the message id of the server's Hello reply.
	ServerHelloID uint16
}

// Do runs the device side of the exchange over rw.
func (d *Device) Do(rw io.ReadWriter) (*DeviceResult, error) {
	nonce := make([]byte, crypto.NonceSize)
	if _, err := io.ReadFull(rw, nonce); err != nil {
		return nil, fmt.Errorf("%w: read nonce: %v", ErrBadBlock, err)
	}

	plain := make([]byte, 0, crypto.NonceSize+wire.DeviceIDSize)
	plain = append(plain, nonce...)
	plain = append(plain, d.ID[:]...)
	block, err := crypto.EncryptOAEP(d.ServerPub, plain)
	if err != nil {
		return nil, fmt.Errorf("handshake: encrypt response: %w", err)
	}
	if _, err := rw.Write(block); err != nil {
		return nil, fmt.Errorf("handshake: send response: %w", err)
	}

	reply := make([]byte, crypto.RSABlockSize)
	if _, err := io.ReadFull(rw, reply); err != nil {
		return nil, fmt.Errorf("%w: read session key: %v", ErrBadBlock, err)
	}
	keyPlain, err := crypto.DecryptOAEP(d.Priv, reply)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt session key: %v", ErrBadBlock, err)
	}
	if len(keyPlain) != crypto.SessionKeySize+crypto.SHA1LenBytes {
		return nil, fmt.Errorf("%w: session key block is %d bytes", ErrBadBlock, len(keyPlain))
	}

	keyBytes := keyPlain[:crypto.SessionKeySize]
	digest := keyPlain[crypto.SessionKeySize:]
	pubDER, err := x509.MarshalPKIXPublicKey(&d.Priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("handshake: encode device key: %w", err)
	}
	if !crypto.HMACEqual(digest, crypto.HMACSHA1(keyBytes, pubDER)) {
		return nil, ErrDigestMismatch
	}

	key, err := transport.NewSessionKey(keyBytes)
	if err != nil {
		return nil, err
	}
	cipher, err := transport.NewDeviceCipherSession(rw, key)
	if err != nil {
		return nil, fmt.Errorf("handshake: build cipher session: %w", err)
	}

	helloID, err := crypto.RandUint16()
	if err != nil {
		return nil, fmt.Errorf("handshake: seed counter: %w", err)
	}
	if err := writeHello(cipher, helloID, d.Hello); err != nil {
		return nil, err
	}
	_, serverID, err := readHello(cipher)
	if err != nil {
		return nil, err
	}

	return &DeviceResult{
		Key:           key,
		Cipher:        cipher,
		HelloID:       helloID,
		ServerHelloID: serverID,
	}, nil
}
