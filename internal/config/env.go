package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Loader applies AECD_* environment overrides. Tests can override Lookup to
// inject deterministic maps.
type Loader struct {
	Lookup func(string) (string, bool)
}

// Apply overrides fields of cfg from the environment and re-validates it.
func (l Loader) Apply(cfg *File) error {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}

	overrideString(l.Lookup, "AECD_LISTEN", &cfg.Server.Listen)
	var level string
	overrideString(l.Lookup, "AECD_LOG_LEVEL", &level)
	if level != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(level))
	}

	if err := overrideFloat(l.Lookup, "AECD_SAMPLE_RATE", &cfg.AEC.SampleRate); err != nil {
		return err
	}
	if err := overrideInt(l.Lookup, "AECD_CHANNELS", &cfg.AEC.ChannelsPerFrame); err != nil {
		return err
	}
	if err := overrideInt(l.Lookup, "AECD_FRAMES_PER_BUFFER", &cfg.AEC.FramesPerBuffer); err != nil {
		return err
	}
	for key, target := range map[string]*bool{
		"AECD_ENABLE_AEC":               &cfg.AEC.EnableAEC,
		"AECD_ENABLE_AGC":               &cfg.AEC.EnableAGC,
		"AECD_ENABLE_NOISE_SUPPRESSION": &cfg.AEC.EnableNoiseSuppression,
	} {
		if err := overrideBool(l.Lookup, key, target); err != nil {
			return err
		}
	}

	if err := overrideInt(l.Lookup, "AECD_INPUT_DEVICE", &cfg.Devices.Input); err != nil {
		return err
	}
	overrideString(l.Lookup, "AECD_REFERENCE_SOURCE", &cfg.Reference.Source)
	overrideString(l.Lookup, "AECD_REFERENCE_URL", &cfg.Reference.URL)
	if err := overrideDuration(l.Lookup, "AECD_REFERENCE_LATENCY", &cfg.Reference.Latency); err != nil {
		return err
	}
	if err := overrideDuration(l.Lookup, "AECD_DIAGNOSTICS_INTERVAL", &cfg.Diagnostics.Interval); err != nil {
		return err
	}
	overrideString(l.Lookup, "AECD_NATS_URL", &cfg.Diagnostics.NATSURL)
	overrideString(l.Lookup, "AECD_STORE_PATH", &cfg.Store.Path)

	return Validate(*cfg)
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideFloat(lookup func(string) (string, bool), key string, target *float64) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideDuration(lookup func(string) (string, bool), key string, target *time.Duration) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}
