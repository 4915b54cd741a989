// Package aec provides a Normalized Least Mean Squares (NLMS) acoustic echo
// canceller that works on block-aligned near/far pairs.
//
// The caller is responsible for alignment: every call to Process receives a
// near-end (microphone) block and the far-end (reference) block covering the
// same real-time window. The canceller keeps tapLen-1 samples of reference
// history across calls so the adaptive filter can model the echo path
// straddling block boundaries.
//
// Usage:
//
//	c := aec.New(512, aec.DefaultTaps)
//
//	// On the audio goroutine, once per block:
//	if err := c.Process(mic, ref); err != nil { ... } // mic is modified in-place
//
// An AEC is not safe for concurrent use; it belongs to the goroutine that
// drives the audio stream.
package aec

import (
	"errors"
	"math"

	"bken/aecd/internal/vad"
)

const (
	// DefaultTaps is the NLMS filter length (samples). 480 samples = 10 ms at
	// 48 kHz.
	DefaultTaps = 480

	// DefaultStep is the NLMS step size mu (0 < mu < 2). Smaller values
	// converge more slowly but are more stable.
	DefaultStep = 0.1

	// DefaultGeigel is the Geigel double-talk ratio: the near end is treated as
	// talking when its peak exceeds this fraction of the reference peak.
	DefaultGeigel = 0.5

	powerFloor = 1e-10
)

var (
	// ErrFrameSize is returned when near and far differ in length or exceed
	// the configured block length.
	ErrFrameSize = errors.New("aec: block length mismatch")

	// ErrDiverged is returned when the filter produced non-finite output. The
	// weights are reset before returning.
	ErrDiverged = errors.New("aec: filter diverged")
)

// AEC is an NLMS-based acoustic echo canceller.
type AEC struct {
	enabled bool

	weights []float64
	tapLen  int
	step    float64

	// ext holds tapLen-1 samples of reference history followed by the
	// current far-end block.
	ext       []float32
	frameSize int

	// near-end activity detector for double-talk freeze
	dtd     *vad.VAD
	geigel  float32
	holding bool
}

// New creates an AEC for blocks of frameSize samples with a filter of taps
// coefficients. taps <= 0 selects DefaultTaps.
func New(frameSize, taps int) *AEC {
	if taps <= 0 {
		taps = DefaultTaps
	}
	return &AEC{
		enabled:   true,
		weights:   make([]float64, taps),
		tapLen:    taps,
		step:      DefaultStep,
		ext:       make([]float32, taps-1+frameSize),
		frameSize: frameSize,
		dtd:       vad.New(),
		geigel:    DefaultGeigel,
	}
}

// SetEnabled enables or disables echo cancellation. Enabling resets the
// filter so it adapts cleanly from scratch.
func (a *AEC) SetEnabled(enabled bool) {
	if enabled && !a.enabled {
		a.Reset()
	}
	a.enabled = enabled
}

// Enabled reports whether the canceller modifies its input.
func (a *AEC) Enabled() bool { return a.enabled }

// SetStep sets the NLMS step size. Values outside (0, 2) are ignored.
func (a *AEC) SetStep(mu float64) {
	if mu > 0 && mu < 2 {
		a.step = mu
	}
}

// Reset zeroes the filter weights, the reference history and the double-talk
// state.
func (a *AEC) Reset() {
	for i := range a.weights {
		a.weights[i] = 0
	}
	for i := range a.ext {
		a.ext[i] = 0
	}
	a.dtd.Reset()
	a.holding = false
}

// DoubleTalk reports whether adaptation was frozen for the last block.
func (a *AEC) DoubleTalk() bool { return a.holding }

// Process applies echo cancellation to near in-place using far as the
// time-aligned reference. Both slices must have the same length, at most
// frameSize samples.
//
// Output sample = near[i] − Σ w[k]·x[i−k], where x is the reference signal.
// Weights adapt only while the near end is not talking over the far end.
func (a *AEC) Process(near, far []float32) error {
	n := len(near)
	if n != len(far) || n == 0 || n > a.frameSize {
		return ErrFrameSize
	}

	hist := a.tapLen - 1
	copy(a.ext[hist:], far)

	if !a.enabled {
		a.shift(n)
		return nil
	}

	farPeak := vad.Peak(a.ext[:hist+n])
	nearActive := a.dtd.Active(vad.RMS(near))
	a.holding = nearActive && vad.Peak(near) > a.geigel*farPeak

	// Sliding reference power over the tap window ending at sample i.
	var power float64
	for _, x := range a.ext[:a.tapLen] {
		power += float64(x) * float64(x)
	}

	for i := range near {
		if i > 0 {
			out := float64(a.ext[i-1])
			in := float64(a.ext[i+hist])
			power += in*in - out*out
			if power < 0 {
				power = 0
			}
		}

		// base indexes the newest reference sample for output i.
		base := i + hist
		var y float64
		for k := 0; k < a.tapLen; k++ {
			y += a.weights[k] * float64(a.ext[base-k])
		}

		e := float64(near[i]) - y

		if !a.holding && power > powerFloor {
			g := a.step * e / power
			for k := 0; k < a.tapLen; k++ {
				a.weights[k] += g * float64(a.ext[base-k])
			}
		}

		if math.IsNaN(e) || math.IsInf(e, 0) {
			a.Reset()
			return ErrDiverged
		}
		near[i] = float32(e)
	}

	a.shift(n)
	return nil
}

// shift keeps the last tapLen-1 reference samples of an n-sample block as
// history for the next block.
func (a *AEC) shift(n int) {
	hist := a.tapLen - 1
	if hist == 0 {
		return
	}
	copy(a.ext[:hist], a.ext[n:n+hist])
}
