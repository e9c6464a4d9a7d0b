package handshake

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelink-protocol/corelink-go/pkg/crypto"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// testKeys holds the key material for one simulated device plus the
// gateway key pair.
type testKeys struct {
	serverPriv *rsa.PrivateKey
	devicePriv *rsa.PrivateKey
	deviceID   wire.DeviceID
}

func newTestKeys(t *testing.T) *testKeys {
	t.Helper()
	serverPriv, err := rsa.GenerateKey(rand.Reader, crypto.RSAKeyBits)
	require.NoError(t, err)
	devicePriv, err := rsa.GenerateKey(rand.Reader, crypto.RSAKeyBits)
	require.NoError(t, err)

	id, err := wire.ParseDeviceID("53ff6f065067544840551187")
	require.NoError(t, err)
	return &testKeys{serverPriv: serverPriv, devicePriv: devicePriv, deviceID: id}
}

// mapKeyStore is a DeviceKeyStore over an in-memory map.
type mapKeyStore map[wire.DeviceID]*rsa.PublicKey

func (s mapKeyStore) PublicKey(id wire.DeviceID) (*rsa.PublicKey, error) {
	pub, ok := s[id]
	if !ok {
		return nil, errors.New("no such device")
	}
	return pub, nil
}

func TestHandshakeSuccess(t *testing.T) {
	keys := newTestKeys(t)
	serverConn, deviceConn := net.Pipe()
	defer serverConn.Close()
	defer deviceConn.Close()

	device := &Device{
		Priv:      keys.devicePriv,
		ServerPub: &keys.serverPriv.PublicKey,
		ID:        keys.deviceID,
		Hello:     wire.HelloPayload{ProductID: 6, FirmwareVersion: 42, PlatformID: 10},
	}

	type deviceOutcome struct {
		result *DeviceResult
		err    error
	}
	done := make(chan deviceOutcome, 1)
	go func() {
		r, err := device.Do(deviceConn)
		done <- deviceOutcome{r, err}
	}()

	server := &Server{
		Priv: keys.serverPriv,
		Keys: mapKeyStore{keys.deviceID: &keys.devicePriv.PublicKey},
	}
	result, err := server.Do(serverConn)
	require.NoError(t, err)

	dev := <-done
	require.NoError(t, dev.err)

	assert.Equal(t, keys.deviceID, result.DeviceID)
	assert.Equal(t, uint16(6), result.Hello.ProductID)
	assert.Equal(t, uint16(42), result.Hello.FirmwareVersion)
	assert.Equal(t, uint16(10), result.Hello.PlatformID)

	// Both sides hold the same key and agree on the counter seeds.
	assert.Equal(t, result.Key, dev.result.Key)
	assert.Equal(t, dev.result.HelloID, result.HelloID)
	assert.Equal(t, result.SendSeed, dev.result.ServerHelloID)

	// The cipher streams stay in sync past the Hello round trip.
	msg := wire.NewPing(result.SendSeed + 1)
	frame, err := wire.Marshal(msg)
	require.NoError(t, err)
	go func() {
		_ = result.Cipher.WriteFrame(frame)
	}()
	got, err := dev.result.Cipher.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestHandshakeUnknownDevice(t *testing.T) {
	keys := newTestKeys(t)
	serverConn, deviceConn := net.Pipe()
	defer serverConn.Close()
	defer deviceConn.Close()

	device := &Device{
		Priv:      keys.devicePriv,
		ServerPub: &keys.serverPriv.PublicKey,
		ID:        keys.deviceID,
	}
	go func() {
		_, _ = device.Do(deviceConn)
		deviceConn.Close()
	}()

	server := &Server{
		Priv: keys.serverPriv,
		Keys: mapKeyStore{}, // empty: device id unregistered
	}
	_, err := server.Do(serverConn)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestHandshakeNonceMismatch(t *testing.T) {
	keys := newTestKeys(t)
	serverConn, deviceConn := net.Pipe()
	defer serverConn.Close()
	defer deviceConn.Close()

	// A device that ignores the real nonce and encrypts its own.
	go func() {
		defer deviceConn.Close()
		nonce := make([]byte, crypto.NonceSize)
		if _, err := io.ReadFull(deviceConn, nonce); err != nil {
			return
		}
		bogus := make([]byte, crypto.NonceSize)
		plain := append(bogus, keys.deviceID[:]...)
		block, err := crypto.EncryptOAEP(&keys.serverPriv.PublicKey, plain)
		if err != nil {
			return
		}
		_, _ = deviceConn.Write(block)
	}()

	server := &Server{
		Priv: keys.serverPriv,
		Keys: mapKeyStore{keys.deviceID: &keys.devicePriv.PublicKey},
	}
	_, err := server.Do(serverConn)
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestHandshakeGarbageBlock(t *testing.T) {
	keys := newTestKeys(t)
	serverConn, deviceConn := net.Pipe()
	defer serverConn.Close()
	defer deviceConn.Close()

	go func() {
		defer deviceConn.Close()
		nonce := make([]byte, crypto.NonceSize)
		if _, err := io.ReadFull(deviceConn, nonce); err != nil {
			return
		}
		garbage := make([]byte, crypto.RSABlockSize)
		_, _ = deviceConn.Write(garbage)
	}()

	server := &Server{
		Priv: keys.serverPriv,
		Keys: mapKeyStore{keys.deviceID: &keys.devicePriv.PublicKey},
	}
	_, err := server.Do(serverConn)
	assert.ErrorIs(t, err, ErrBadBlock)
}
