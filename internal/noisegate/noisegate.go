// Package noisegate implements the noise suppression stage: a downward
// expander for mono float32 PCM blocks.
//
// Blocks whose RMS falls below the threshold are attenuated to the floor gain
// once the hold period has expired. The gain ramps linearly across each block
// so opening and closing the gate never produces a step discontinuity.
package noisegate

import (
	"time"

	"bken/aecd/internal/vad"
)

const (
	// DefaultThreshold is the RMS level below which audio is attenuated
	// (~-40 dBFS).
	DefaultThreshold = float32(0.01)

	// DefaultHold keeps the gate open after the signal drops below threshold.
	DefaultHold = 200 * time.Millisecond

	// DefaultFloor is the gain applied while closed (-30 dB).
	DefaultFloor = float32(0.0316)
)

// Gate is a noise gate with hold and a non-zero floor.
type Gate struct {
	threshold float32
	floor     float32
	hold      int // hold length in blocks
	remaining int
	gain      float32 // gain applied at the end of the previous block
	enabled   bool
	open      bool
}

// New returns a Gate for blocks lasting period with the default threshold,
// hold and floor, enabled by default.
func New(period time.Duration) *Gate {
	return &Gate{
		threshold: DefaultThreshold,
		floor:     DefaultFloor,
		hold:      holdBlocks(DefaultHold, period),
		gain:      1,
		enabled:   true,
	}
}

func holdBlocks(hold, period time.Duration) int {
	if period <= 0 {
		return 0
	}
	n := int((hold + period - 1) / period)
	if n < 0 {
		return 0
	}
	return n
}

// SetEnabled enables or disables the gate. When disabled, Process is a no-op.
func (g *Gate) SetEnabled(enabled bool) {
	g.enabled = enabled
	if !enabled {
		g.remaining = 0
		g.gain = 1
		g.open = false
	}
}

// Enabled reports whether the gate is currently enabled.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// SetThreshold sets the RMS gate threshold. level is in [0, 100] and maps
// to an RMS range of [0.001, 0.10].
func (g *Gate) SetThreshold(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	g.threshold = 0.001 + float32(level)/100.0*0.099
}

// Threshold returns the current RMS threshold (linear amplitude).
func (g *Gate) Threshold() float32 {
	return g.threshold
}

// IsOpen reports whether the gate passed the last block at unity gain.
func (g *Gate) IsOpen() bool {
	return g.open
}

// Process applies the gate to frame in-place and returns the frame RMS
// measured before gating.
func (g *Gate) Process(frame []float32) float32 {
	rms := vad.RMS(frame)

	if !g.enabled {
		g.open = true
		return rms
	}

	switch {
	case rms >= g.threshold:
		g.remaining = g.hold
		g.open = true
	case g.remaining > 0:
		g.remaining--
		g.open = true
	default:
		g.open = false
	}

	target := g.floor
	if g.open {
		target = 1
	}
	g.ramp(frame, target)
	return rms
}

// ramp scales frame with a gain moving linearly from the previous block's
// gain to target.
func (g *Gate) ramp(frame []float32, target float32) {
	if len(frame) == 0 {
		g.gain = target
		return
	}
	start := g.gain
	if start == 1 && target == 1 {
		return
	}
	step := (target - start) / float32(len(frame))
	for i := range frame {
		frame[i] *= start + step*float32(i+1)
	}
	g.gain = target
}

// Reset clears the hold counter and returns the gain to unity.
func (g *Gate) Reset() {
	g.remaining = 0
	g.gain = 1
	g.open = false
}
