package crypto

import (
	stdcrypto "crypto"
	"crypto/hmac"
	"crypto/sha1"
)

// cryptoSHA1 names the digest used by SignSHA1/VerifySHA1.
const cryptoSHA1 = stdcrypto.SHA1

// SHA1LenBytes is the length of a SHA-1 digest.
const SHA1LenBytes = 20

// HMACSHA1 computes the HMAC-SHA1 of message under key.
// Returns a 20-byte MAC. The handshake uses this to bind the session
// key to the device's public key.
func HMACSHA1(key, message []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(mac1, mac2 []byte) bool {
	return hmac.Equal(mac1, mac2)
}
