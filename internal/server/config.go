package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/dualboot/internal/device"
	"github.com/shaunagostinho/dualboot/internal/flash"
	"github.com/shaunagostinho/dualboot/internal/update"
)

// DefaultConfigPath is used by Save when no path was loaded.
const DefaultConfigPath = "/etc/dualboot/config.yaml"

// Config holds all device and monitor configuration.
type Config struct {
	mu sync.RWMutex

	// Update channel serial port
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Flash map and programming
	Flash FlashConfig `yaml:"flash" json:"flash"`

	// Stream format and session limits
	Update UpdateConfig `yaml:"update" json:"update"`

	// Audit log
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Monitor server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyACM0
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

type FlashConfig struct {
	Layout         flash.Layout `yaml:"layout" json:"layout"`
	ImagePath      string       `yaml:"image_path" json:"imagePath"` // persisted flash contents
	ProgramRetries int          `yaml:"program_retries" json:"programRetries"`
	RetryDelayUs   int          `yaml:"retry_delay_us" json:"retryDelayUs"`
}

type UpdateConfig struct {
	// Key is never served over the API.
	Key               string `yaml:"key" json:"-"`          // hex, 32 bytes
	IDCode            string `yaml:"id_code" json:"idCode"` // hex, 4 bytes
	FirstWord         uint32 `yaml:"first_word" json:"firstWord"`
	MaxStreamSize     int    `yaml:"max_stream_size" json:"maxStreamSize"`
	TransitionalSkip  int    `yaml:"transitional_skip" json:"transitionalSkip"`
	MaxChecksumErrors int    `yaml:"max_checksum_errors" json:"maxChecksumErrors"`
	ResetDelayMs      int    `yaml:"reset_delay_ms" json:"resetDelayMs"` // success -> watchdog reset
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastMs int    `yaml:"broadcast_ms" json:"broadcastMs"` // status push interval
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	p := update.DefaultParams()
	return &Config{
		Serial: SerialConfig{
			Enabled:  false,
			PortPath: "/dev/ttyACM0",
			BaudRate: 250000,
		},
		Flash: FlashConfig{
			Layout:         flash.DefaultLayout(),
			ImagePath:      "/var/lib/dualboot/flash.bin",
			ProgramRetries: flash.DefaultRetries,
			RetryDelayUs:   int(flash.DefaultRetryDelay / time.Microsecond),
		},
		Update: UpdateConfig{
			Key:               hex.EncodeToString(p.Key),
			IDCode:            hex.EncodeToString(p.IDCode[:]),
			FirstWord:         p.FirstWord,
			MaxStreamSize:     p.MaxStreamSize,
			TransitionalSkip:  p.TransitionalSkip,
			MaxChecksumErrors: update.DefaultMaxChecksumErrors,
			ResetDelayMs:      int(device.DefaultResetDelay / time.Millisecond),
		},
		Logging: LoggingConfig{
			Enabled: false,
			Path:    "/var/log/dualboot",
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastMs: 500,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SERIAL_ENABLED, SERIAL_PORT, SERIAL_BAUD, FLASH_IMAGE,
// UPDATE_KEY, UPDATE_ID_CODE, RESET_DELAY_MS, LISTEN_ADDR, LOG_ENABLED,
// LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SERIAL_ENABLED"); v != "" {
		c.Serial.Enabled = truthy(v)
	}
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("FLASH_IMAGE"); v != "" {
		c.Flash.ImagePath = v
	}
	if v := os.Getenv("UPDATE_KEY"); v != "" {
		c.Update.Key = v
	}
	if v := os.Getenv("UPDATE_ID_CODE"); v != "" {
		c.Update.IDCode = v
	}
	if v := os.Getenv("RESET_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Update.ResetDelayMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = truthy(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Params decodes the update section into session parameters.
func (c *Config) Params() (update.Params, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := update.DefaultParams()
	key, err := update.ParseKey(c.Update.Key)
	if err != nil {
		return p, err
	}
	id, err := update.ParseIDCode(c.Update.IDCode)
	if err != nil {
		return p, err
	}
	p.Key = key
	p.IDCode = id
	p.FirstWord = c.Update.FirstWord
	p.MaxStreamSize = c.Update.MaxStreamSize
	p.TransitionalSkip = c.Update.TransitionalSkip
	return p, p.Validate()
}

// DeviceConfig assembles the simulated device parameters.
func (c *Config) DeviceConfig() (device.Config, error) {
	p, err := c.Params()
	if err != nil {
		return device.Config{}, fmt.Errorf("config: update: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	layout := c.Flash.Layout
	if err := layout.Validate(); err != nil {
		return device.Config{}, fmt.Errorf("config: flash: %w", err)
	}
	if err := p.CheckLayout(layout); err != nil {
		return device.Config{}, fmt.Errorf("config: %w", err)
	}
	return device.Config{
		Layout:            layout,
		Params:            p,
		ImagePath:         c.Flash.ImagePath,
		ProgramRetries:    c.Flash.ProgramRetries,
		RetryDelay:        time.Duration(c.Flash.RetryDelayUs) * time.Microsecond,
		MaxChecksumErrors: c.Update.MaxChecksumErrors,
		ResetDelay:        time.Duration(c.Update.ResetDelayMs) * time.Millisecond,
	}, nil
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0600)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
