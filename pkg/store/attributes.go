package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// AttributesVersion is the current version of the attribute file format.
const AttributesVersion = 1

// CoreAttributes is the durable per-device record the gateway keeps.
type CoreAttributes struct {
	// DeviceID in lowercase hex.
	DeviceID string `json:"device_id"`

	// OwnerID is the claiming user, empty while unclaimed.
	OwnerID string `json:"owner_id,omitempty"`

	// ClaimCode is the last claim code the device announced.
	ClaimCode string `json:"claim_code,omitempty"`

	// Identity fields learned from the Hello payload.
	ProductID       uint16 `json:"product_id,omitempty"`
	FirmwareVersion uint16 `json:"firmware_version,omitempty"`
	PlatformID      uint16 `json:"platform_id,omitempty"`

	// SystemVersion is the firmware system string the device reports
	// after connecting.
	SystemVersion string `json:"system_version,omitempty"`

	// LastHeard is the last time any frame arrived from the device.
	LastHeard time.Time `json:"last_heard,omitempty"`

	// LastIP is the peer address of the most recent connection.
	LastIP string `json:"last_ip,omitempty"`
}

// AttributeStore reads and mutates per-device attributes.
// Implementations must be safe for concurrent use.
type AttributeStore interface {
	// GetCoreAttributes returns the record for a device. The bool is
	// false when no record exists yet.
	GetCoreAttributes(id wire.DeviceID) (CoreAttributes, bool, error)

	// SetCoreAttributes applies mutate to the device's record (creating
	// an empty one first if needed) and persists the result.
	SetCoreAttributes(id wire.DeviceID, mutate func(*CoreAttributes)) error
}

// attributeFile is the on-disk shape of the attribute store.
type attributeFile struct {
	Version int                       `json:"version"`
	SavedAt time.Time                 `json:"saved_at"`
	Devices map[string]CoreAttributes `json:"devices"`
}

// FileAttributeStore keeps all device attributes in one JSON file.
type FileAttributeStore struct {
	mu      sync.Mutex
	path    string
	devices map[string]CoreAttributes
}

// NewFileAttributeStore opens (or initializes) the attribute file at path.
func NewFileAttributeStore(path string) (*FileAttributeStore, error) {
	s := &FileAttributeStore{
		path:    path,
		devices: make(map[string]CoreAttributes),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read attributes: %w", err)
	}
	var file attributeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("store: parse attributes: %w", err)
	}
	if file.Devices != nil {
		s.devices = file.Devices
	}
	return s, nil
}

// GetCoreAttributes returns the stored record for a device.
func (s *FileAttributeStore) GetCoreAttributes(id wire.DeviceID) (CoreAttributes, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.devices[id.String()]
	return attrs, ok, nil
}

// SetCoreAttributes mutates and persists the record for a device.
func (s *FileAttributeStore) SetCoreAttributes(id wire.DeviceID, mutate func(*CoreAttributes)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := id.String()
	attrs, ok := s.devices[key]
	if !ok {
		attrs = CoreAttributes{DeviceID: key}
	}
	mutate(&attrs)
	attrs.DeviceID = key
	s.devices[key] = attrs
	return s.save()
}

// save writes the whole store to disk. Caller holds s.mu.
func (s *FileAttributeStore) save() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("store: create attribute dir: %w", err)
		}
	}

	file := attributeFile{
		Version: AttributesVersion,
		SavedAt: time.Now(),
		Devices: s.devices,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode attributes: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("store: write attributes: %w", err)
	}
	return nil
}

// MemoryAttributeStore keeps attributes in a map. For tests and
// standalone runs.
type MemoryAttributeStore struct {
	mu      sync.Mutex
	devices map[string]CoreAttributes
}

// NewMemoryAttributeStore creates an empty in-memory store.
func NewMemoryAttributeStore() *MemoryAttributeStore {
	return &MemoryAttributeStore{devices: make(map[string]CoreAttributes)}
}

// GetCoreAttributes returns the stored record for a device.
func (s *MemoryAttributeStore) GetCoreAttributes(id wire.DeviceID) (CoreAttributes, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.devices[id.String()]
	return attrs, ok, nil
}

// SetCoreAttributes mutates the record for a device.
func (s *MemoryAttributeStore) SetCoreAttributes(id wire.DeviceID, mutate func(*CoreAttributes)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := id.String()
	attrs, ok := s.devices[key]
	if !ok {
		attrs = CoreAttributes{DeviceID: key}
	}
	mutate(&attrs)
	attrs.DeviceID = key
	s.devices[key] = attrs
	return nil
}

// Compile-time interface satisfaction checks.
var (
	_ AttributeStore = (*FileAttributeStore)(nil)
	_ AttributeStore = (*MemoryAttributeStore)(nil)
)
