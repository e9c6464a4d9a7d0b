// RSA-1024 OAEP operations for the handshake.
// The device protocol predates modern key sizes: every connected module
// ships a 1024-bit RSA key pair burned in at manufacturing, and all
// handshake blocks are exactly one RSA block (128 bytes) long.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
)

// RSA constants for the handshake.
const (
	// RSAKeyBits is the required modulus size in bits.
	RSAKeyBits = 1024

	// RSABlockSize is the ciphertext/signature size in bytes for a
	// 1024-bit key.
	RSABlockSize = 128

	// RSAMaxPlaintext is the maximum OAEP(SHA-1) plaintext for a
	// 1024-bit key: 128 - 2*20 - 2.
	RSAMaxPlaintext = 86
)

// RSA errors.
var (
	ErrRSAKeySize   = errors.New("rsa: key is not 1024 bits")
	ErrRSAPlaintext = errors.New("rsa: plaintext too large for OAEP block")
)

// EncryptOAEP encrypts plaintext with RSA-OAEP(SHA-1) under pub.
// The result is always exactly RSABlockSize bytes.
func EncryptOAEP(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if pub.Size() != RSABlockSize {
		return nil, ErrRSAKeySize
	}
	if len(plaintext) > RSAMaxPlaintext {
		return nil, ErrRSAPlaintext
	}
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext, nil)
}

// DecryptOAEP decrypts a single RSA-OAEP(SHA-1) block with priv.
func DecryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if priv.Size() != RSABlockSize {
		return nil, ErrRSAKeySize
	}
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil)
}

// SignSHA1 signs the SHA-1 digest of message with priv (PKCS#1 v1.5).
func SignSHA1(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha1.Sum(message)
	return rsa.SignPKCS1v15(rand.Reader, priv, cryptoSHA1, digest[:])
}

// VerifySHA1 verifies a PKCS#1 v1.5 SHA-1 signature over message.
func VerifySHA1(pub *rsa.PublicKey, message, sig []byte) error {
	digest := sha1.Sum(message)
	return rsa.VerifyPKCS1v15(pub, cryptoSHA1, digest[:], sig)
}
