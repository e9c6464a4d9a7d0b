// Package config loads the gateway configuration from a YAML file and
// applies defaults for everything left unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddress    = ":5683"
	DefaultCounterMax       = 65536
	DefaultKeepAlive        = 15 * time.Second
	DefaultSocketTimeout    = 31 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxBinarySize    = 108000
	DefaultChunkRetries     = 3
	DefaultEnvironment      = "production"
)

// Config errors.
var (
	ErrBadCounterMax = errors.New("config: counter_max must be positive")
	ErrBadTimeout    = errors.New("config: timeouts must be positive")
	ErrBadBinarySize = errors.New("config: max_binary_size must be positive")
)

// Config holds all tunables of the gateway.
type Config struct {
	// ListenAddress is the TCP address devices connect to.
	ListenAddress string `yaml:"listen_address"`

	// CounterMax is the wrap point for the 16-bit message counters.
	CounterMax int `yaml:"counter_max"`

	// KeepAlive is the idle interval after which the session pings the
	// device.
	KeepAlive time.Duration `yaml:"keep_alive"`

	// SocketTimeout closes a session that has been silent this long.
	SocketTimeout time.Duration `yaml:"socket_timeout"`

	// HandshakeTimeout bounds the whole pre-session exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// MaxBinarySize is the largest firmware image the flasher accepts.
	MaxBinarySize int `yaml:"max_binary_size"`

	// ChunkRetries is how many times a failed chunk is retransmitted
	// before the flash aborts.
	ChunkRetries int `yaml:"chunk_retries"`

	// Environment tags published system events ("production", "staging").
	Environment string `yaml:"environment"`

	// ServerKeyPath is the PEM file holding the gateway RSA private key.
	ServerKeyPath string `yaml:"server_key_path"`

	// DeviceKeyDir holds one <deviceid>.pub.pem per registered device.
	DeviceKeyDir string `yaml:"device_key_dir"`

	// FirmwareDir holds known firmware images (<app>_<env>.bin).
	FirmwareDir string `yaml:"firmware_dir"`

	// AttributeFile is the JSON file backing the device attribute store.
	AttributeFile string `yaml:"attribute_file"`

	// ProtocolLogPath enables the CBOR protocol event log when set.
	ProtocolLogPath string `yaml:"protocol_log_path"`

	// VerboseProtocol mirrors protocol events to slog at debug level.
	VerboseProtocol bool `yaml:"verbose_protocol"`

	// EnableMDNS advertises the gateway via mDNS/DNS-SD.
	EnableMDNS bool `yaml:"enable_mdns"`

	// LogLevel is the slog level: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with every field at its default.
func Default() Config {
	return Config{
		ListenAddress:    DefaultListenAddress,
		CounterMax:       DefaultCounterMax,
		KeepAlive:        DefaultKeepAlive,
		SocketTimeout:    DefaultSocketTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxBinarySize:    DefaultMaxBinarySize,
		ChunkRetries:     DefaultChunkRetries,
		Environment:      DefaultEnvironment,
		LogLevel:         "info",
	}
}

// Load reads a YAML config file over the defaults. A missing file is
// not an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the loaded values for internal consistency.
func (c *Config) Validate() error {
	if c.CounterMax <= 0 || c.CounterMax > 65536 {
		return ErrBadCounterMax
	}
	if c.KeepAlive <= 0 || c.SocketTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return ErrBadTimeout
	}
	if c.MaxBinarySize <= 0 {
		return ErrBadBinarySize
	}
	if c.ChunkRetries < 0 {
		c.ChunkRetries = DefaultChunkRetries
	}
	return nil
}
