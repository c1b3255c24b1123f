// Package config provides YAML-based configuration for the bridge.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ble-bridge/backend/internal/logbuffer"
	"github.com/ble-bridge/backend/internal/transport"
)

// Adapter kinds.
const (
	AdapterHCI  = "hci"
	AdapterNone = "none"
)

// AppConfig represents the root configuration file.
type AppConfig struct {
	Server ServerConfig `yaml:"server"`
	Buffer BufferConfig `yaml:"buffer"`
	BLE    BLEConfig    `yaml:"ble"`
	Debug  DebugConfig  `yaml:"debug"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int      `yaml:"port"`
	BindAddress  string   `yaml:"bind"`
	AllowOrigins []string `yaml:"allowOrigins"`
	ReadTimeout  int      `yaml:"readTimeoutSeconds"`
	WriteTimeout int      `yaml:"writeTimeoutSeconds"`
	IdleTimeout  int      `yaml:"idleTimeoutSeconds"`
}

// BufferConfig sizes the packet log.
type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

// BLEConfig selects and tunes the adapter.
type BLEConfig struct {
	Adapter                  string `yaml:"adapter"`
	HCIDevice                int    `yaml:"hciDevice"`
	ConnectTimeoutSeconds    int    `yaml:"connectTimeoutSeconds"`
	ScanTimeoutMillis        int    `yaml:"scanTimeoutMillis"`
	DisconnectTimeoutSeconds int    `yaml:"disconnectTimeoutSeconds"`
}

// DebugConfig guards the network debug binding. An empty token leaves it
// open.
type DebugConfig struct {
	Token     string  `yaml:"token"`
	RateLimit float64 `yaml:"rateLimit"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8765,
			BindAddress:  "127.0.0.1",
			AllowOrigins: []string{"*"},
			ReadTimeout:  30,
			WriteTimeout: 0,
			IdleTimeout:  120,
		},
		Buffer: BufferConfig{
			Capacity: logbuffer.DefaultCapacity,
		},
		BLE: BLEConfig{
			Adapter:                  AdapterHCI,
			HCIDevice:                0,
			ConnectTimeoutSeconds:    int(transport.DefaultConnectTimeout / time.Second),
			ScanTimeoutMillis:        int(transport.DefaultScanTimeout / time.Millisecond),
			DisconnectTimeoutSeconds: int(transport.DefaultDisconnectTimeout / time.Second),
		},
		Debug: DebugConfig{
			RateLimit: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig reads the YAML file at configPath over the defaults, then
// applies environment overrides. An empty path or a missing file yields the
// defaults.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(err, "failed to read config file")
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, errors.Wrap(err, "failed to parse config file")
			}
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	if err := config.Normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration as YAML.
func (c *AppConfig) Save(configPath string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	header := []byte("# BLE bridge configuration\n")
	if err := os.WriteFile(configPath, append(header, out...), 0o644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() error {
	ints := map[string]*int{
		"BLE_BRIDGE_PORT":         &c.Server.Port,
		"BLE_BRIDGE_LOG_CAPACITY": &c.Buffer.Capacity,
		"BLE_BRIDGE_HCI_DEVICE":   &c.BLE.HCIDevice,
	}
	for name, dst := range ints {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		*dst = n
	}

	strs := map[string]*string{
		"BLE_BRIDGE_BIND":       &c.Server.BindAddress,
		"BLE_BRIDGE_TOKEN":      &c.Debug.Token,
		"BLE_BRIDGE_LOG_LEVEL":  &c.Log.Level,
		"BLE_BRIDGE_LOG_FORMAT": &c.Log.Format,
		"BLE_BRIDGE_ADAPTER":    &c.BLE.Adapter,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	return nil
}

// Normalize clamps numeric settings into their supported ranges and
// validates the rest. Flag overrides call it again after editing c.
func (c *AppConfig) Normalize() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("server port %d out of range", c.Server.Port)
	}
	c.Buffer.Capacity = logbuffer.ClampCapacity(c.Buffer.Capacity)

	c.BLE.Adapter = strings.ToLower(strings.TrimSpace(c.BLE.Adapter))
	switch c.BLE.Adapter {
	case AdapterHCI, AdapterNone:
	case "":
		c.BLE.Adapter = AdapterHCI
	default:
		return errors.Errorf("unknown adapter %q (want %s or %s)", c.BLE.Adapter, AdapterHCI, AdapterNone)
	}
	if c.BLE.HCIDevice < 0 {
		return errors.Errorf("hci device %d is negative", c.BLE.HCIDevice)
	}
	if c.BLE.ConnectTimeoutSeconds <= 0 {
		c.BLE.ConnectTimeoutSeconds = int(transport.DefaultConnectTimeout / time.Second)
	}
	if c.BLE.DisconnectTimeoutSeconds <= 0 {
		c.BLE.DisconnectTimeoutSeconds = int(transport.DefaultDisconnectTimeout / time.Second)
	}
	c.BLE.ScanTimeoutMillis = int(c.ScanTimeout() / time.Millisecond)

	if c.Debug.RateLimit < 0 {
		c.Debug.RateLimit = 0
	}
	return nil
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

func (c *AppConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.BLE.ConnectTimeoutSeconds) * time.Second
}

func (c *AppConfig) DisconnectTimeout() time.Duration {
	return time.Duration(c.BLE.DisconnectTimeoutSeconds) * time.Second
}

// ScanTimeout is the default scan window, clamped.
func (c *AppConfig) ScanTimeout() time.Duration {
	return transport.ClampScanTimeout(time.Duration(c.BLE.ScanTimeoutMillis) * time.Millisecond)
}

// TransportOptions returns the transport's bounded waits.
func (c *AppConfig) TransportOptions() transport.Options {
	return transport.Options{
		ConnectTimeout:    c.ConnectTimeout(),
		DisconnectTimeout: c.DisconnectTimeout(),
	}
}

// HardwareOptions returns the settings for the hci driver.
func (c *AppConfig) HardwareOptions() transport.HardwareOptions {
	return transport.HardwareOptions{
		HCIDevice:   c.BLE.HCIDevice,
		DialTimeout: c.ConnectTimeout(),
	}
}

// AuthRequired reports whether the network debug binding needs a token.
func (c *AppConfig) AuthRequired() bool {
	return c.Debug.Token != ""
}
