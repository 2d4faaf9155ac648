package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath            = "/etc/meterlogger.conf"
	DefaultRetry           = 15  // seconds to pause after a failed read or delivery
	DefaultBufferLength    = 600 // seconds of readings to retain for the local interface
	DefaultPort            = 8080
	DefaultCometTimeout    = 30  // seconds a long-poll request is held open
	DefaultBatchSize       = 100 // readings per middleware request
	DefaultDeliveryTimeout = 10  // seconds before a middleware request is abandoned

	OpenPolicySkip  = "skip"  // meters that fail to open are left out, startup fails only if none opened
	OpenPolicyAbort = "abort" // any meter failing to open aborts startup
)

type LocalConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
	Index   bool `json:"index" yaml:"index"`     // list all channels on `GET /`
	Timeout int  `json:"timeout" yaml:"timeout"` // comet timeout in seconds
}

type MetricsConfig struct {
	Address string `json:"address" yaml:"address"` // listen address for prometheus metrics, disabled if empty
}

type DeliveryConfig struct {
	BatchSize int `json:"batchSize" yaml:"batchSize"`
	Timeout   int `json:"timeout" yaml:"timeout"`
}

type ChannelConfig struct {
	UUID       string         `json:"uuid" yaml:"uuid"`
	Identifier string         `json:"identifier" yaml:"identifier"`
	Keep       *int           `json:"keep" yaml:"keep"`           // number of readings to retain, derived from the meter interval if unset
	Unbounded  bool           `json:"unbounded" yaml:"unbounded"` // retain everything until delivered
	Middleware map[string]any `json:"middleware" yaml:"middleware"`
}

type MeterConfig struct {
	Protocol string          `json:"protocol" yaml:"protocol"`
	Enabled  *bool           `json:"enabled" yaml:"enabled"`
	Interval int             `json:"interval" yaml:"interval"` // seconds between reads for periodic meters
	Options  map[string]any  `json:"options" yaml:"options"`
	Channels []ChannelConfig `json:"channels" yaml:"channels"`
}

// IsEnabled returns true unless the meter has been explicitly disabled.
func (m MeterConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

type Config struct {
	Retry        int            `json:"retry" yaml:"retry"`
	Verbosity    int            `json:"verbosity" yaml:"verbosity"`
	BufferLength int            `json:"bufferLength" yaml:"bufferLength"`
	OpenPolicy   string         `json:"openPolicy" yaml:"openPolicy"`
	Local        LocalConfig    `json:"local" yaml:"local"`
	Metrics      MetricsConfig  `json:"metrics" yaml:"metrics"`
	Delivery     DeliveryConfig `json:"delivery" yaml:"delivery"`
	Meters       []MeterConfig  `json:"meters" yaml:"meters"`
}

// Error reports a malformed configuration. It is always fatal at startup.
type Error struct {
	Path string // location of the offending value, e.g. "meters[0].channels[1].uuid"
	Msg  string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Path, e.Msg)
}

func errorf(path string, format string, args ...any) *Error {
	return &Error{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Read loads, defaults and validates the configuration file at `path`. YAML is used for `.yaml` and `.yml` files,
// anything else is treated as JSON which may contain comments and trailing commas.
func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	return Parse(content, ext == ".yaml" || ext == ".yml")
}

// Parse decodes, defaults and validates the given configuration content.
func Parse(content []byte, isYAML bool) (Config, error) {
	var config Config
	if isYAML {
		err := yaml.Unmarshal(content, &config)
		if err != nil {
			return Config{}, &Error{Msg: fmt.Sprintf("unmarshal yaml: %v", err)}
		}
	} else {
		err := json.Unmarshal(jsonc.ToJSON(content), &config)
		if err != nil {
			return Config{}, &Error{Msg: fmt.Sprintf("unmarshal json: %v", err)}
		}
	}

	config.applyDefaults()

	err := config.Validate()
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Retry == 0 {
		c.Retry = DefaultRetry
	}
	if c.BufferLength == 0 {
		c.BufferLength = DefaultBufferLength
	}
	if c.OpenPolicy == "" {
		c.OpenPolicy = OpenPolicySkip
	}
	if c.Local.Port == 0 {
		c.Local.Port = DefaultPort
	}
	if c.Local.Timeout == 0 {
		c.Local.Timeout = DefaultCometTimeout
	}
	if c.Delivery.BatchSize == 0 {
		c.Delivery.BatchSize = DefaultBatchSize
	}
	if c.Delivery.Timeout == 0 {
		c.Delivery.Timeout = DefaultDeliveryTimeout
	}
}

// Validate checks the structure of the configuration. Protocol and middleware names are checked when the daemon is
// built from the configuration.
func (c Config) Validate() error {
	if c.Retry < 0 {
		return errorf("retry", "must be positive, got %d", c.Retry)
	}
	if c.BufferLength < 0 {
		return errorf("bufferLength", "must be positive, got %d", c.BufferLength)
	}
	if c.OpenPolicy != OpenPolicySkip && c.OpenPolicy != OpenPolicyAbort {
		return errorf("openPolicy", "must be %q or %q, got %q", OpenPolicySkip, OpenPolicyAbort, c.OpenPolicy)
	}
	if c.Local.Port < 0 || c.Local.Port > 65535 {
		return errorf("local.port", "invalid port %d", c.Local.Port)
	}
	if c.Delivery.BatchSize < 0 {
		return errorf("delivery.batchSize", "must be positive, got %d", c.Delivery.BatchSize)
	}

	enabled := 0
	seen := make(map[string]string)
	for i, meter := range c.Meters {
		meterPath := fmt.Sprintf("meters[%d]", i)
		if !meter.IsEnabled() {
			continue
		}
		enabled++

		if meter.Protocol == "" {
			return errorf(meterPath+".protocol", "missing")
		}
		if meter.Interval < 0 {
			return errorf(meterPath+".interval", "must be positive, got %d", meter.Interval)
		}
		if len(meter.Channels) == 0 {
			return errorf(meterPath+".channels", "meter has no channels")
		}

		for j, ch := range meter.Channels {
			chPath := fmt.Sprintf("%s.channels[%d]", meterPath, j)

			id, err := uuid.Parse(ch.UUID)
			if err != nil {
				return errorf(chPath+".uuid", "invalid uuid %q: %v", ch.UUID, err)
			}
			// compare the canonical form so differently cased duplicates are caught
			if other, ok := seen[id.String()]; ok {
				return errorf(chPath+".uuid", "duplicate uuid %s, also used by %s", ch.UUID, other)
			}
			seen[id.String()] = chPath

			if ch.Keep != nil && *ch.Keep < 0 {
				return errorf(chPath+".keep", "must be positive, got %d", *ch.Keep)
			}
			if ch.Middleware != nil {
				if t, _ := ch.Middleware["type"].(string); t == "" {
					return errorf(chPath+".middleware.type", "missing")
				}
			}
		}
	}

	if enabled == 0 {
		return errorf("meters", "no enabled meters found")
	}

	return nil
}
