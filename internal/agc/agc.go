// Package agc implements a software Automatic Gain Control stage for mono
// float32 PCM blocks of any size.
//
// The AGC monitors the short-term RMS of each block and moves a
// multiplicative gain toward a target level using independent attack/release
// time constants. The per-block smoothing coefficients are derived from the
// block period, so the same time constants hold at 10 ms and 40 ms blocks.
// Gain is clamped to [MinGain, MaxGain].
package agc

import (
	"math"
	"time"

	"bken/aecd/internal/vad"
)

const (
	// DefaultTarget is the desired RMS level (linear, ~-14 dBFS).
	DefaultTarget = 0.20

	// MinGain limits attenuation to -20 dB.
	MinGain = 0.1
	// MaxGain allows up to +20 dB of amplification.
	MaxGain = 10.0

	// DefaultAttack is the time constant for reducing gain after a loud block.
	DefaultAttack = 5 * time.Millisecond
	// DefaultRelease is the time constant for recovering gain. Slower than
	// attack to avoid pumping.
	DefaultRelease = 500 * time.Millisecond

	// minRMS suppresses gain updates on silent blocks (below noise floor).
	minRMS = 0.001
)

// AGC is a single-channel automatic gain control processor. Zero value is not
// usable; use New().
type AGC struct {
	target  float64
	gain    float64
	attack  float64
	release float64
}

// New returns an AGC for blocks lasting period, with DefaultTarget and unity
// gain.
func New(period time.Duration) *AGC {
	return &AGC{
		target:  DefaultTarget,
		gain:    1.0,
		attack:  coefficient(period, DefaultAttack),
		release: coefficient(period, DefaultRelease),
	}
}

// coefficient converts a time constant into a one-pole smoothing factor for
// updates every period.
func coefficient(period, tau time.Duration) float64 {
	if period <= 0 || tau <= 0 {
		return 1
	}
	return 1 - math.Exp(-period.Seconds()/tau.Seconds())
}

// SetTarget sets the desired RMS level. level is in the range [0, 100] and is
// mapped linearly to [0.01, 0.50].
func (a *AGC) SetTarget(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	a.target = 0.01 + float64(level)/100.0*0.49
}

// Process applies gain to frame in-place and updates the gain estimate.
func (a *AGC) Process(frame []float32) {
	if len(frame) == 0 {
		return
	}

	rms := float64(vad.RMS(frame))

	g := float32(a.gain)
	for i, s := range frame {
		v := s * g
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		frame[i] = v
	}

	if rms < minRMS {
		return
	}

	desired := a.target / rms
	if desired < MinGain {
		desired = MinGain
	} else if desired > MaxGain {
		desired = MaxGain
	}

	coeff := a.release
	if desired < a.gain {
		coeff = a.attack
	}
	a.gain += coeff * (desired - a.gain)
}

// Gain returns the current linear gain multiplier.
func (a *AGC) Gain() float64 { return a.gain }

// Reset resets the gain to unity without changing the target.
func (a *AGC) Reset() { a.gain = 1.0 }
