package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrFirmwareNotFound indicates no image exists for the requested
// application. Callers treat this as non-fatal; the device just keeps
// its current firmware.
var ErrFirmwareNotFound = errors.New("store: firmware not found")

// FirmwareStore resolves known firmware images by application name.
type FirmwareStore interface {
	// Firmware returns the image bytes for an application in the given
	// environment, or ErrFirmwareNotFound.
	Firmware(app, environment string) ([]byte, error)
}

// DirFirmwareStore reads images from a directory of <app>_<env>.bin files.
type DirFirmwareStore struct {
	dir string
}

// NewDirFirmwareStore creates a firmware store over dir.
func NewDirFirmwareStore(dir string) *DirFirmwareStore {
	return &DirFirmwareStore{dir: dir}
}

// Firmware returns the image for app in environment.
func (s *DirFirmwareStore) Firmware(app, environment string) ([]byte, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.bin", app, environment))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrFirmwareNotFound, app, environment)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read firmware: %w", err)
	}
	return data, nil
}

// MemoryFirmwareStore keeps images in a map keyed by "<app>_<env>".
// For tests.
type MemoryFirmwareStore struct {
	mu     sync.Mutex
	images map[string][]byte
}

// NewMemoryFirmwareStore creates an empty in-memory firmware store.
func NewMemoryFirmwareStore() *MemoryFirmwareStore {
	return &MemoryFirmwareStore{images: make(map[string][]byte)}
}

// Add registers an image.
func (s *MemoryFirmwareStore) Add(app, environment string, image []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[app+"_"+environment] = image
}

// Firmware returns the registered image.
func (s *MemoryFirmwareStore) Firmware(app, environment string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	image, ok := s.images[app+"_"+environment]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrFirmwareNotFound, app, environment)
	}
	return image, nil
}

// Compile-time interface satisfaction checks.
var (
	_ FirmwareStore = (*DirFirmwareStore)(nil)
	_ FirmwareStore = (*MemoryFirmwareStore)(nil)
)
