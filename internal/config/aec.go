// Package config holds the echo-cancellation configuration value type and the
// daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// MaxSampleRate is the highest accepted sample rate in Hz.
	MaxSampleRate = 384000
	// MaxChannels is the highest accepted channel count.
	MaxChannels = 8
	// MaxFramesPerBuffer is the largest accepted block length in frames.
	MaxFramesPerBuffer = 16384
	// MaxBlockPeriod bounds the duration of one block. Longer blocks make
	// the reference alignment window too coarse to cancel echo.
	MaxBlockPeriod = 250 * time.Millisecond
)

// ErrInvalidConfiguration is returned when an AEC value fails validation.
var ErrInvalidConfiguration = errors.New("invalid AEC configuration")

// AEC is the echo-cancellation pipeline configuration. It is a value type:
// holders replace it on update rather than mutating a shared copy.
type AEC struct {
	SampleRate             float64 `json:"sample_rate" yaml:"sample_rate"`
	ChannelsPerFrame       int     `json:"channels_per_frame" yaml:"channels_per_frame"`
	FramesPerBuffer        int     `json:"frames_per_buffer" yaml:"frames_per_buffer"`
	EnableAEC              bool    `json:"enable_aec" yaml:"enable_aec"`
	EnableAGC              bool    `json:"enable_agc" yaml:"enable_agc"`
	EnableNoiseSuppression bool    `json:"enable_noise_suppression" yaml:"enable_noise_suppression"`
}

// Default returns the documented baseline: 48 kHz, mono, 512-frame blocks
// with echo cancellation, gain control and noise suppression enabled.
func Default() AEC {
	return AEC{
		SampleRate:             48000,
		ChannelsPerFrame:       1,
		FramesPerBuffer:        512,
		EnableAEC:              true,
		EnableAGC:              true,
		EnableNoiseSuppression: true,
	}
}

// Validate checks ranges and combinations. The returned error wraps
// ErrInvalidConfiguration and lists every failure found.
func (c AEC) Validate() error {
	var errs []error

	rateOK := !math.IsNaN(c.SampleRate) && !math.IsInf(c.SampleRate, 0) &&
		c.SampleRate > 0 && c.SampleRate <= MaxSampleRate
	if !rateOK {
		errs = append(errs, fmt.Errorf("sample_rate %v must be in (0, %d]", c.SampleRate, MaxSampleRate))
	}
	if c.ChannelsPerFrame < 1 || c.ChannelsPerFrame > MaxChannels {
		errs = append(errs, fmt.Errorf("channels_per_frame %d must be in [1, %d]", c.ChannelsPerFrame, MaxChannels))
	}
	if c.FramesPerBuffer < 1 || c.FramesPerBuffer > MaxFramesPerBuffer {
		errs = append(errs, fmt.Errorf("frames_per_buffer %d must be in [1, %d]", c.FramesPerBuffer, MaxFramesPerBuffer))
	}
	if rateOK && c.FramesPerBuffer > 0 && c.BlockPeriod() > MaxBlockPeriod {
		errs = append(errs, fmt.Errorf("frames_per_buffer %d at %v Hz spans %v, more than %v",
			c.FramesPerBuffer, c.SampleRate, c.BlockPeriod(), MaxBlockPeriod))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

// BlockPeriod returns the real-time duration of one block.
func (c AEC) BlockPeriod() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(c.FramesPerBuffer) / c.SampleRate * float64(time.Second)))
}

// BlockSamples returns the interleaved sample count of one block.
func (c AEC) BlockSamples() int {
	return c.FramesPerBuffer * c.ChannelsPerFrame
}

// Samples converts a duration to an interleaved sample count at this format.
func (c AEC) Samples(d time.Duration) int {
	if d <= 0 || c.SampleRate <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds()*c.SampleRate)) * c.ChannelsPerFrame
}

// PowerOfTwo reports whether FramesPerBuffer is a power of two. Other sizes
// are accepted but some hardware rounds them.
func (c AEC) PowerOfTwo() bool {
	n := c.FramesPerBuffer
	return n > 0 && n&(n-1) == 0
}

// RequiresRestart reports whether moving from old to next needs the stream
// stopped and reopened: the sample format or hardware block size changed.
func RequiresRestart(old, next AEC) bool {
	return old.SampleRate != next.SampleRate ||
		old.ChannelsPerFrame != next.ChannelsPerFrame ||
		old.FramesPerBuffer != next.FramesPerBuffer
}

// TogglesOnly reports whether old and next differ only in feature toggles.
func TogglesOnly(old, next AEC) bool {
	return old != next && !RequiresRestart(old, next)
}
