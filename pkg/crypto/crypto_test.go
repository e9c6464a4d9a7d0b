package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSAEncryptDecryptOAEP(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	require.NoError(t, err)

	plaintext := []byte("session key material goes here")
	ciphertext, err := EncryptOAEP(&priv.PublicKey, plaintext)
	require.NoError(t, err)
	assert.Len(t, ciphertext, RSABlockSize)

	decrypted, err := DecryptOAEP(priv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestRSAPlaintextLimit(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	require.NoError(t, err)

	max := make([]byte, RSAMaxPlaintext)
	_, err = EncryptOAEP(&priv.PublicKey, max)
	assert.NoError(t, err)

	over := make([]byte, RSAMaxPlaintext+1)
	_, err = EncryptOAEP(&priv.PublicKey, over)
	assert.ErrorIs(t, err, ErrRSAPlaintext)
}

func TestRSARejectsWrongKeySize(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = EncryptOAEP(&priv.PublicKey, []byte("x"))
	assert.ErrorIs(t, err, ErrRSAKeySize)
	_, err = DecryptOAEP(priv, make([]byte, 256))
	assert.ErrorIs(t, err, ErrRSAKeySize)
}

func TestSignVerifySHA1(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	require.NoError(t, err)

	message := []byte("nonce plus device id")
	sig, err := SignSHA1(priv, message)
	require.NoError(t, err)
	assert.Len(t, sig, RSABlockSize)

	assert.NoError(t, VerifySHA1(&priv.PublicKey, message, sig))
	assert.Error(t, VerifySHA1(&priv.PublicKey, []byte("tampered"), sig))
}

func TestCBCRoundTripAndChaining(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, AESKeySize)
	iv := bytes.Repeat([]byte{0x22}, AESBlockSize)

	enc, err := NewEncrypter(key, iv)
	require.NoError(t, err)
	dec, err := NewDecrypter(key, iv)
	require.NoError(t, err)

	// Successive messages chain IVs: each decrypts only in order.
	messages := [][]byte{
		[]byte("first"),
		[]byte("second message, longer than one block for sure"),
		bytes.Repeat([]byte{0xAB}, AESBlockSize), // exact block multiple
	}
	for _, msg := range messages {
		ct, err := enc.Encrypt(msg)
		require.NoError(t, err)
		assert.Zero(t, len(ct)%AESBlockSize)
		assert.NotEqual(t, msg, ct)

		pt, err := dec.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, msg, pt)
	}
}

func TestCBCIdenticalPlaintextsDifferAcrossChain(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, AESKeySize)
	iv := bytes.Repeat([]byte{0x22}, AESBlockSize)

	enc, err := NewEncrypter(key, iv)
	require.NoError(t, err)

	msg := []byte("same plaintext twice")
	ct1, err := enc.Encrypt(msg)
	require.NoError(t, err)
	ct2, err := enc.Encrypt(msg)
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2)
}

func TestCBCDecryptErrors(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, AESKeySize)
	iv := bytes.Repeat([]byte{0x22}, AESBlockSize)

	dec, err := NewDecrypter(key, iv)
	require.NoError(t, err)

	_, err = dec.Decrypt([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrCBCCiphertextLength)

	_, err = dec.Decrypt(nil)
	assert.ErrorIs(t, err, ErrCBCEmptyMessage)
}

func TestPKCS7Unpad(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"zero pad byte", append(bytes.Repeat([]byte{0x41}, 15), 0x00)},
		{"pad over block size", append(bytes.Repeat([]byte{0x41}, 15), 0x20)},
		{"inconsistent pad bytes", append(bytes.Repeat([]byte{0x41}, 13), 0x02, 0x03, 0x03)},
		{"empty", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := unpadPKCS7(tc.data)
			assert.ErrorIs(t, err, ErrCBCBadPadding)
		})
	}

	// Block-aligned input gets a full block of padding.
	padded := padPKCS7(bytes.Repeat([]byte{0x41}, AESBlockSize))
	assert.Len(t, padded, 2*AESBlockSize)
	out, err := unpadPKCS7(padded)
	require.NoError(t, err)
	assert.Len(t, out, AESBlockSize)
}

func TestCBCKeyAndIVSizes(t *testing.T) {
	_, err := NewEncrypter(make([]byte, 8), make([]byte, AESBlockSize))
	assert.ErrorIs(t, err, ErrCBCKeySize)
	_, err = NewEncrypter(make([]byte, AESKeySize), make([]byte, 8))
	assert.ErrorIs(t, err, ErrCBCIVSize)
}

func TestHMACSHA1(t *testing.T) {
	mac := HMACSHA1([]byte("key"), []byte("message"))
	assert.Len(t, mac, SHA1LenBytes)
	assert.True(t, HMACEqual(mac, HMACSHA1([]byte("key"), []byte("message"))))
	assert.False(t, HMACEqual(mac, HMACSHA1([]byte("other"), []byte("message"))))
}

func TestCRC32RoundTrip(t *testing.T) {
	data := []byte("firmware chunk")
	crc := CRC32(data)

	encoded := EncodeCRC32(crc)
	assert.Len(t, encoded, CRC32Size)

	decoded, ok := DecodeCRC32(encoded)
	require.True(t, ok)
	assert.Equal(t, crc, decoded)

	_, ok = DecodeCRC32([]byte{0x01, 0x02})
	assert.False(t, ok)
}

func TestRandoms(t *testing.T) {
	nonce, err := RandNonce()
	require.NoError(t, err)
	assert.Len(t, nonce, NonceSize)

	key, err := RandSessionKey()
	require.NoError(t, err)
	assert.Len(t, key, SessionKeySize)

	// Two nonces colliding would mean a broken random source.
	other, err := RandNonce()
	require.NoError(t, err)
	assert.NotEqual(t, nonce, other)

	_, err = RandUint16()
	assert.NoError(t, err)
}
