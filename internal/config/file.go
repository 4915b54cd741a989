package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Reference sources.
const (
	SourceLoopback = "loopback"
	SourceRemote   = "remote"
	SourceNone     = "none"
)

// File is the daemon configuration, read from YAML.
type File struct {
	Server      ServerConfig      `yaml:"server"`
	AEC         AEC               `yaml:"aec"`
	Devices     DeviceConfig      `yaml:"devices"`
	Reference   ReferenceConfig   `yaml:"reference"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Store       StoreConfig       `yaml:"store"`
}

// ServerConfig holds the control API settings.
type ServerConfig struct {
	// Listen is the address the HTTP control API binds to. Empty disables it.
	Listen   string   `yaml:"listen"`
	LogLevel LogLevel `yaml:"log_level"`
}

// DeviceConfig selects the microphone.
type DeviceConfig struct {
	// Input is the PortAudio device index; -1 selects the system default.
	Input int `yaml:"input"`
}

// ReferenceConfig configures where far-end audio comes from and how it is
// aligned with the microphone.
type ReferenceConfig struct {
	// Source is one of loopback, remote or none.
	Source string `yaml:"source"`

	// URL is the websocket feed for the remote source.
	URL string `yaml:"url"`

	// JitterDepth is the number of packets buffered per remote sender.
	JitterDepth int `yaml:"jitter_depth"`

	// Latency is the fixed offset by which the reference is delayed before
	// it meets the microphone, normally the output device latency.
	Latency time.Duration `yaml:"latency"`

	// MaxSkew is the drift tolerated before the reference is resynchronised.
	MaxSkew time.Duration `yaml:"max_skew"`

	// Capacity is the length of reference audio the frame buffer holds.
	Capacity time.Duration `yaml:"capacity"`
}

// DiagnosticsConfig controls the periodic stats reporter.
type DiagnosticsConfig struct {
	Interval time.Duration `yaml:"interval"`
	// NATSURL enables publishing reports when set.
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// StoreConfig locates the session journal.
type StoreConfig struct {
	// Path to the SQLite database. Empty disables the journal.
	Path string `yaml:"path"`
}

// DefaultFile returns the configuration used when no file is given.
func DefaultFile() File {
	return File{
		Server: ServerConfig{
			Listen:   "127.0.0.1:8089",
			LogLevel: LogInfo,
		},
		AEC:     Default(),
		Devices: DeviceConfig{Input: -1},
		Reference: ReferenceConfig{
			Source:      SourceLoopback,
			JitterDepth: 3,
			Latency:     20 * time.Millisecond,
			MaxSkew:     40 * time.Millisecond,
			Capacity:    500 * time.Millisecond,
		},
		Diagnostics: DiagnosticsConfig{
			Interval: 5 * time.Second,
			Subject:  "aecd.diagnostics",
		},
		Store: StoreConfig{Path: "aecd.db"},
	}
}

// Load reads the YAML configuration file at path on top of DefaultFile and
// validates the result. An empty path returns the defaults.
func Load(path string) (File, error) {
	if path == "" {
		cfg := DefaultFile()
		return cfg, Validate(cfg)
	}
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return File{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates it.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (File, error) {
	cfg := DefaultFile()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Validate checks that cfg is coherent. It returns a joined error listing
// every failure found.
func Validate(cfg File) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if err := cfg.AEC.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("aec: %w", err))
	}

	switch cfg.Reference.Source {
	case SourceLoopback, SourceNone:
	case SourceRemote:
		if cfg.Reference.URL == "" {
			errs = append(errs, errors.New("reference.url is required for the remote source"))
		}
	default:
		errs = append(errs, fmt.Errorf("reference.source %q is invalid; valid values: loopback, remote, none", cfg.Reference.Source))
	}
	if cfg.Reference.Latency < 0 || cfg.Reference.MaxSkew < 0 {
		errs = append(errs, errors.New("reference.latency and reference.max_skew must not be negative"))
	}
	if cfg.Reference.Capacity <= 2*cfg.Reference.Latency {
		errs = append(errs, fmt.Errorf("reference.capacity %v must exceed twice reference.latency %v",
			cfg.Reference.Capacity, cfg.Reference.Latency))
	}
	if cfg.Diagnostics.Interval < 0 {
		errs = append(errs, fmt.Errorf("diagnostics.interval %v must not be negative", cfg.Diagnostics.Interval))
	}
	if cfg.Diagnostics.NATSURL != "" && cfg.Diagnostics.Subject == "" {
		errs = append(errs, errors.New("diagnostics.subject is required when diagnostics.nats_url is set"))
	}

	return errors.Join(errs...)
}
