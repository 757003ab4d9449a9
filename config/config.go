// Package config loads the bridge configuration from defaults, an optional
// YAML file, a .env file and NSPIRELINK_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dominikbayerl/go-nspirelink/logging"
	"github.com/dominikbayerl/go-nspirelink/nspire"
)

const EnvPrefix = "NSPIRELINK_"

// DotEnvFile is read by Load when present.
var DotEnvFile = ".env"

// Size is a byte count written in human-readable form, e.g. "64 MiB".
type Size uint64

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	return s.parse(value.Value)
}

func (s *Size) parse(raw string) error {
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*s = Size(n)
	return nil
}

// Device is one entry of the vendor/product allow-list.
type Device struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
}

type Emulator struct {
	SeedDir   string `yaml:"seed_dir"`
	ProductID uint16 `yaml:"product_id"`
	Name      string `yaml:"name"`
	Storage   Size   `yaml:"storage"`
}

type Config struct {
	Listen         string         `yaml:"listen"`
	MetricsListen  string         `yaml:"metrics_listen"` // empty disables the metrics endpoint
	OriginPatterns []string       `yaml:"origin_patterns"`
	MaxMessage     Size           `yaml:"max_message"`
	MaxRead        Size           `yaml:"max_read"`
	OutboxSize     int            `yaml:"outbox_size"`
	ProgressWindow int            `yaml:"progress_window"`
	Devices        []Device       `yaml:"devices"`
	Log            logging.Config `yaml:"log"`
	Emulator       Emulator       `yaml:"emulator"`
}

func Default() Config {
	return Config{
		Listen:         "127.0.0.1:8472",
		MetricsListen:  "127.0.0.1:9472",
		MaxMessage:     64 << 20,
		MaxRead:        64 << 20,
		OutboxSize:     64,
		ProgressWindow: 5,
		Devices: []Device{
			{VendorID: nspire.VendorID, ProductID: nspire.ProductID},
			{VendorID: nspire.VendorID, ProductID: nspire.ProductIDCX2},
		},
		Log: logging.Config{Level: "info", Format: "json"},
		Emulator: Emulator{
			ProductID: nspire.ProductID,
			Name:      "nspire",
			Storage:   100 << 20,
		},
	}
}

// Load returns the configuration read from path on top of Default. An empty
// path skips the file. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := loadDotEnv(DotEnvFile); err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", DotEnvFile, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// loadDotEnv leaves variables already set in the environment untouched and
// ignores a missing file.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("LISTEN", &c.Listen)
	str("METRICS_LISTEN", &c.MetricsListen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_OUTPUT", &c.Log.Output)
	str("EMULATOR_SEED_DIR", &c.Emulator.SeedDir)
	str("EMULATOR_NAME", &c.Emulator.Name)

	if v, ok := lookup(EnvPrefix + "ORIGIN_PATTERNS"); ok {
		c.OriginPatterns = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.OriginPatterns = append(c.OriginPatterns, p)
			}
		}
	}
	if v, ok := lookup(EnvPrefix + "MAX_MESSAGE"); ok {
		if err := c.MaxMessage.parse(v); err != nil {
			return fmt.Errorf("config: %sMAX_MESSAGE: %w", EnvPrefix, err)
		}
	}
	if v, ok := lookup(EnvPrefix + "MAX_READ"); ok {
		if err := c.MaxRead.parse(v); err != nil {
			return fmt.Errorf("config: %sMAX_READ: %w", EnvPrefix, err)
		}
	}
	if err := num("OUTBOX_SIZE", &c.OutboxSize); err != nil {
		return err
	}
	return num("PROGRESS_WINDOW", &c.ProgressWindow)
}

// Validate checks that the configuration can run a server.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.MaxMessage == 0 {
		return fmt.Errorf("config: max_message must be positive")
	}
	if c.MaxRead == 0 || c.MaxRead > math.MaxUint32 {
		return fmt.Errorf("config: max_read must be between 1 byte and 4 GiB, got %s", c.MaxRead)
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("config: outbox_size must be positive, got %d", c.OutboxSize)
	}
	if c.ProgressWindow < 0 {
		return fmt.Errorf("config: progress_window must not be negative, got %d", c.ProgressWindow)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("config: at least one device is required")
	}
	if c.Emulator.ProductID == 0 {
		return fmt.Errorf("config: emulator.product_id is required")
	}
	if c.Emulator.Storage == 0 {
		return fmt.Errorf("config: emulator.storage must be positive")
	}
	return nil
}

// Allowed reports whether vid:pid is on the device allow-list.
func (c Config) Allowed(vid, pid uint16) bool {
	for _, d := range c.Devices {
		if d.VendorID == vid && d.ProductID == pid {
			return true
		}
	}
	return false
}
