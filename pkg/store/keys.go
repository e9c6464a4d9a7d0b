package store

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// Key store errors.
var (
	// ErrKeyNotFound indicates no public key is registered for a device.
	ErrKeyNotFound = errors.New("store: device key not found")

	// ErrBadKey indicates the key file could not be parsed or is not RSA.
	ErrBadKey = errors.New("store: bad device key")
)

// DirKeyStore resolves device public keys from a directory holding one
// file per device, named <deviceid>.pub.pem. Files may contain a PEM
// PKIX or PKCS#1 public key, or an OpenSSH authorized_keys line.
type DirKeyStore struct {
	dir string

	mu    sync.Mutex
	cache map[wire.DeviceID]*rsa.PublicKey
}

// NewDirKeyStore creates a key store over dir. Keys are loaded lazily
// and cached; registering a new device only needs a new file.
func NewDirKeyStore(dir string) *DirKeyStore {
	return &DirKeyStore{
		dir:   dir,
		cache: make(map[wire.DeviceID]*rsa.PublicKey),
	}
}

// PublicKey returns the registered key for a device.
func (s *DirKeyStore) PublicKey(id wire.DeviceID) (*rsa.PublicKey, error) {
	s.mu.Lock()
	if pub, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return pub, nil
	}
	s.mu.Unlock()

	path := filepath.Join(s.dir, id.String()+".pub.pem")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read device key: %w", err)
	}

	pub, err := ParsePublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadKey, id, err)
	}

	s.mu.Lock()
	s.cache[id] = pub
	s.mu.Unlock()
	return pub, nil
}

// ParsePublicKey parses an RSA public key from PEM (PKIX "PUBLIC KEY"
// or PKCS#1 "RSA PUBLIC KEY") or OpenSSH authorized_keys format.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		switch block.Type {
		case "PUBLIC KEY":
			key, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			pub, ok := key.(*rsa.PublicKey)
			if !ok {
				return nil, errors.New("not an RSA key")
			}
			return pub, nil
		case "RSA PUBLIC KEY":
			return x509.ParsePKCS1PublicKey(block.Bytes)
		default:
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
	}

	// Not PEM: try an OpenSSH authorized_keys line.
	sshPub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, err
	}
	cryptoPub, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, errors.New("ssh key has no crypto form")
	}
	pub, ok := cryptoPub.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA key")
	}
	return pub, nil
}

// EncodePublicKey renders an RSA public key as a PEM PKIX block, the
// format DirKeyStore files are written in.
func EncodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// LoadPrivateKey reads the gateway RSA private key from a PEM file
// (PKCS#1 "RSA PRIVATE KEY" or PKCS#8 "PRIVATE KEY").
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s: no PEM block", ErrBadKey, path)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s: not an RSA key", ErrBadKey, path)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: %s: unexpected PEM block %q", ErrBadKey, path, block.Type)
	}
}

// MemoryKeyStore keeps device keys in a map. For tests.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[wire.DeviceID]*rsa.PublicKey
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[wire.DeviceID]*rsa.PublicKey)}
}

// Register stores a device key.
func (s *MemoryKeyStore) Register(id wire.DeviceID, pub *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = pub
}

// PublicKey returns the registered key for a device.
func (s *MemoryKeyStore) PublicKey(id wire.DeviceID) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return pub, nil
}
