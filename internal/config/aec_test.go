package config

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.SampleRate != 48000 || c.ChannelsPerFrame != 1 || c.FramesPerBuffer != 512 {
		t.Fatalf("Default() format = %v/%d/%d, want 48000/1/512", c.SampleRate, c.ChannelsPerFrame, c.FramesPerBuffer)
	}
	if !c.EnableAEC || !c.EnableAGC || !c.EnableNoiseSuppression {
		t.Fatalf("Default() should enable every feature: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if Default() != c {
		t.Fatal("Default() is not stable across calls")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AEC)
		ok     bool
	}{
		{"default", func(*AEC) {}, true},
		{"16k stereo 256", func(c *AEC) { c.SampleRate = 16000; c.ChannelsPerFrame = 2; c.FramesPerBuffer = 256 }, true},
		{"non power of two", func(c *AEC) { c.FramesPerBuffer = 480 }, true},
		{"max rate", func(c *AEC) { c.SampleRate = MaxSampleRate }, true},
		{"zero rate", func(c *AEC) { c.SampleRate = 0 }, false},
		{"negative rate", func(c *AEC) { c.SampleRate = -48000 }, false},
		{"nan rate", func(c *AEC) { c.SampleRate = math.NaN() }, false},
		{"inf rate", func(c *AEC) { c.SampleRate = math.Inf(1) }, false},
		{"rate too high", func(c *AEC) { c.SampleRate = MaxSampleRate + 1 }, false},
		{"zero channels", func(c *AEC) { c.ChannelsPerFrame = 0 }, false},
		{"too many channels", func(c *AEC) { c.ChannelsPerFrame = MaxChannels + 1 }, false},
		{"zero frames", func(c *AEC) { c.FramesPerBuffer = 0 }, false},
		{"too many frames", func(c *AEC) { c.FramesPerBuffer = MaxFramesPerBuffer + 1 }, false},
		{"block too long", func(c *AEC) { c.SampleRate = 8000; c.FramesPerBuffer = 4096 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrInvalidConfiguration) {
					t.Fatalf("Validate() = %v, want ErrInvalidConfiguration", err)
				}
			}
		})
	}
}

func TestValidateListsEveryFailure(t *testing.T) {
	err := AEC{}.Validate()
	if err == nil {
		t.Fatal("zero value should not validate")
	}
	msg := err.Error()
	for _, field := range []string{"sample_rate", "channels_per_frame", "frames_per_buffer"} {
		if !strings.Contains(msg, field) {
			t.Errorf("error %q does not mention %s", msg, field)
		}
	}
}

func TestBlockPeriodAndSamples(t *testing.T) {
	c := AEC{SampleRate: 48000, ChannelsPerFrame: 2, FramesPerBuffer: 480}
	if got := c.BlockPeriod(); got != 10*time.Millisecond {
		t.Errorf("BlockPeriod() = %v, want 10ms", got)
	}
	if got := c.BlockSamples(); got != 960 {
		t.Errorf("BlockSamples() = %d, want 960", got)
	}
	if got := c.Samples(20 * time.Millisecond); got != 1920 {
		t.Errorf("Samples(20ms) = %d, want 1920", got)
	}
	if got := c.Samples(-time.Second); got != 0 {
		t.Errorf("Samples(negative) = %d, want 0", got)
	}
	if got := (AEC{}).BlockPeriod(); got != 0 {
		t.Errorf("zero value BlockPeriod() = %v, want 0", got)
	}
}

func TestPowerOfTwo(t *testing.T) {
	for frames, want := range map[int]bool{1: true, 256: true, 512: true, 480: false, 0: false, -4: false} {
		if got := (AEC{FramesPerBuffer: frames}).PowerOfTwo(); got != want {
			t.Errorf("PowerOfTwo(%d) = %v, want %v", frames, got, want)
		}
	}
}

func TestRestartClassification(t *testing.T) {
	base := Default()
	tests := []struct {
		name    string
		mutate  func(*AEC)
		restart bool
		toggles bool
	}{
		{"identical", func(*AEC) {}, false, false},
		{"aec toggle", func(c *AEC) { c.EnableAEC = false }, false, true},
		{"all toggles", func(c *AEC) { c.EnableAEC, c.EnableAGC, c.EnableNoiseSuppression = false, false, false }, false, true},
		{"sample rate", func(c *AEC) { c.SampleRate = 16000 }, true, false},
		{"channels", func(c *AEC) { c.ChannelsPerFrame = 2 }, true, false},
		{"frames", func(c *AEC) { c.FramesPerBuffer = 256 }, true, false},
		{"rate and toggle", func(c *AEC) { c.SampleRate = 44100; c.EnableAGC = false }, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base
			tt.mutate(&next)
			if got := RequiresRestart(base, next); got != tt.restart {
				t.Errorf("RequiresRestart() = %v, want %v", got, tt.restart)
			}
			if got := TogglesOnly(base, next); got != tt.toggles {
				t.Errorf("TogglesOnly() = %v, want %v", got, tt.toggles)
			}
		})
	}
}
