// Package vad implements a simple energy-based voice activity detector for
// mono float32 PCM blocks.
//
// The echo canceller uses it to decide whether the near end is talking: a
// block is active when its RMS level is above the threshold. A configurable
// hangover keeps the detector active for a fixed number of blocks after the
// last loud block so short pauses between words do not flip the decision.
package vad

import "math"

const (
	// DefaultThreshold is the RMS level below which a block is treated as
	// silence (~-46 dBFS).
	DefaultThreshold = float32(0.005)

	// DefaultHangover is the number of quiet blocks to stay active after
	// speech ends.
	DefaultHangover = 8
)

// VAD is a single-channel voice activity detector. Zero value is not usable;
// use New().
type VAD struct {
	threshold float32
	hangover  int
	remaining int
	enabled   bool
}

// New returns a VAD with DefaultThreshold and DefaultHangover, enabled by default.
func New() *VAD {
	return &VAD{
		threshold: DefaultThreshold,
		hangover:  DefaultHangover,
		enabled:   true,
	}
}

// SetEnabled enables or disables the VAD. When disabled, Active always
// reports false.
func (v *VAD) SetEnabled(enabled bool) {
	v.enabled = enabled
	if !enabled {
		v.remaining = 0
	}
}

// SetThreshold sets the RMS activity threshold. level is in [0, 100] and maps
// to an RMS range of [0.001, 0.05]. Higher values require louder input.
func (v *VAD) SetThreshold(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	v.threshold = 0.001 + float32(level)/100.0*0.049
}

// SetHangover sets the number of blocks to stay active after the level drops.
func (v *VAD) SetHangover(blocks int) {
	if blocks < 0 {
		blocks = 0
	}
	v.hangover = blocks
}

// Active reports whether the block with the given RMS energy counts as
// activity. Updates internal hangover state.
func (v *VAD) Active(rms float32) bool {
	if !v.enabled {
		return false
	}
	if rms > v.threshold {
		v.remaining = v.hangover
		return true
	}
	if v.remaining > 0 {
		v.remaining--
		return true
	}
	return false
}

// Enabled reports whether the VAD is currently enabled.
func (v *VAD) Enabled() bool {
	return v.enabled
}

// Reset clears the hangover counter without changing other settings.
func (v *VAD) Reset() {
	v.remaining = 0
}

// RMS returns the root-mean-square of a float32 PCM block.
func RMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}

// Peak returns the largest absolute sample value in frame.
func Peak(frame []float32) float32 {
	var p float32
	for _, s := range frame {
		if s < 0 {
			s = -s
		}
		if s > p {
			p = s
		}
	}
	return p
}
