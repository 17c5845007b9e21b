package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is intentionally small. It loads from JSON or YAML; flags in
// cmd/whatcloud override individual fields.
type Config struct {
	// Root is the directory downloads are served from.
	Root string `json:"root" yaml:"root"`

	// Addr is the listen address.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// MaxExports caps folder exports running at once. Default: 4.
	MaxExports int `json:"maxExports,omitempty" yaml:"maxExports,omitempty"`

	// ExportBufferSize is the per-export ring size in bytes. Default: 4096.
	ExportBufferSize int `json:"exportBufferSize,omitempty" yaml:"exportBufferSize,omitempty"`

	// AdmissionTimeout bounds how long a folder download waits for a free
	// export worker before getting 503. Zero waits for the client's lifetime.
	AdmissionTimeout Duration `json:"admissionTimeout,omitempty" yaml:"admissionTimeout,omitempty"`

	// MaxConns caps simultaneously accepted connections. 0 = unlimited.
	MaxConns int `json:"maxConns,omitempty" yaml:"maxConns,omitempty"`

	// RateLimit caps each download response in bytes/sec. 0 = unlimited.
	RateLimit int64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`

	Log Log `json:"log" yaml:"log"`
}

type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	// Format is json or console.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Defaults returns a Config with every optional field filled in.
func Defaults() Config {
	return Config{
		Addr:             "0.0.0.0:8000",
		MaxExports:       4,
		ExportBufferSize: 4096,
		AdmissionTimeout: Duration(30 * time.Second),
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over Defaults. Files ending in .yaml or .yml are parsed
// as YAML, anything else as JSON.
func Load(path string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Root) == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.MaxExports < 1 {
		errs = append(errs, fmt.Errorf("maxExports must be >= 1, got %d", c.MaxExports))
	}
	if c.ExportBufferSize < 1 {
		errs = append(errs, fmt.Errorf("exportBufferSize must be >= 1, got %d", c.ExportBufferSize))
	}
	if c.AdmissionTimeout < 0 {
		errs = append(errs, errors.New("admissionTimeout must not be negative"))
	}
	if c.MaxConns < 0 {
		errs = append(errs, errors.New("maxConns must not be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rateLimit must not be negative"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Duration is a time.Duration written as "30s", "2m" etc. in config files.
// Plain JSON numbers are taken as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.parse(n.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(v)
	return nil
}
