// AES-128-CBC message ciphers with per-message IV chaining.
//
// The device protocol encrypts each frame as an independent CBC message
// with PKCS#7 padding, but the IV is not transmitted: both sides seed
// their send/receive IVs from the handshake session key, and after each
// message the IV becomes the last ciphertext block of that message.
// Losing or reordering a single frame therefore desynchronizes the
// stream permanently, which is intentional.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// AES-CBC constants.
const (
	// AESKeySize is the AES-128 key size in bytes.
	AESKeySize = 16

	// AESBlockSize is the AES block size in bytes.
	AESBlockSize = 16
)

// AES-CBC errors.
var (
	ErrCBCKeySize          = errors.New("cbc: key must be 16 bytes")
	ErrCBCIVSize           = errors.New("cbc: iv must be 16 bytes")
	ErrCBCCiphertextLength = errors.New("cbc: ciphertext is not a multiple of the block size")
	ErrCBCBadPadding       = errors.New("cbc: invalid PKCS#7 padding")
	ErrCBCEmptyMessage     = errors.New("cbc: empty message")
)

// Encrypter encrypts a sequence of messages with AES-128-CBC,
// chaining the IV across messages. Not safe for concurrent use.
type Encrypter struct {
	block cipher.Block
	iv    [AESBlockSize]byte
}

// NewEncrypter creates an Encrypter seeded with the given key and IV.
func NewEncrypter(key, iv []byte) (*Encrypter, error) {
	if len(key) != AESKeySize {
		return nil, ErrCBCKeySize
	}
	if len(iv) != AESBlockSize {
		return nil, ErrCBCIVSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	e := &Encrypter{block: block}
	copy(e.iv[:], iv)
	return e, nil
}

// Encrypt pads plaintext with PKCS#7, encrypts it as one CBC message
// and advances the chained IV to the final ciphertext block.
func (e *Encrypter) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrCBCEmptyMessage
	}
	padded := padPKCS7(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(e.block, e.iv[:]).CryptBlocks(ciphertext, padded)
	copy(e.iv[:], ciphertext[len(ciphertext)-AESBlockSize:])
	return ciphertext, nil
}

// Decrypter decrypts a sequence of CBC messages, chaining the IV
// across messages. Not safe for concurrent use.
type Decrypter struct {
	block cipher.Block
	iv    [AESBlockSize]byte
}

// NewDecrypter creates a Decrypter seeded with the given key and IV.
func NewDecrypter(key, iv []byte) (*Decrypter, error) {
	if len(key) != AESKeySize {
		return nil, ErrCBCKeySize
	}
	if len(iv) != AESBlockSize {
		return nil, ErrCBCIVSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	d := &Decrypter{block: block}
	copy(d.iv[:], iv)
	return d, nil
}

// Decrypt decrypts one CBC message, strips the PKCS#7 padding and
// advances the chained IV to the final ciphertext block of the input.
func (d *Decrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrCBCEmptyMessage
	}
	if len(ciphertext)%AESBlockSize != 0 {
		return nil, ErrCBCCiphertextLength
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(d.block, d.iv[:]).CryptBlocks(plaintext, ciphertext)
	copy(d.iv[:], ciphertext[len(ciphertext)-AESBlockSize:])
	return unpadPKCS7(plaintext)
}

// padPKCS7 appends PKCS#7 padding up to the next block boundary.
// A full block of padding is added when the input is block-aligned.
func padPKCS7(data []byte) []byte {
	n := AESBlockSize - len(data)%AESBlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// unpadPKCS7 validates and strips PKCS#7 padding.
func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCBCBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > AESBlockSize || n > len(data) {
		return nil, ErrCBCBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrCBCBadPadding
		}
	}
	return data[:len(data)-n], nil
}
