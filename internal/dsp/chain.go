// Package dsp is the acoustic engine behind the AEC engine: per channel it
// runs echo cancellation, noise suppression and automatic gain control, in
// that order, so each stage sees the cleanest signal the previous one can
// give it.
package dsp

import (
	"errors"
	"fmt"
	"sync/atomic"

	"bken/aecd/internal/aec"
	"bken/aecd/internal/agc"
	"bken/aecd/internal/config"
	"bken/aecd/internal/engine"
	"bken/aecd/internal/noisegate"
)

var (
	// ErrBufferSize is returned when a buffer is shorter than numFrames
	// frames at the configured channel count.
	ErrBufferSize = errors.New("dsp: buffer too short")

	// ErrRestartRequired is returned by Apply for changes beyond the feature
	// toggles.
	ErrRestartRequired = errors.New("dsp: change requires a restart")
)

// Option tunes a Chain.
type Option func(*options)

type options struct {
	taps      int
	step      float64
	agcTarget int
	gateLevel int
}

// WithTaps sets the echo canceller filter length.
func WithTaps(n int) Option { return func(o *options) { o.taps = n } }

// WithStep sets the NLMS step size.
func WithStep(mu float64) Option { return func(o *options) { o.step = mu } }

// WithAGCTarget sets the AGC target level in [0, 100].
func WithAGCTarget(level int) Option { return func(o *options) { o.agcTarget = level } }

// WithGateThreshold sets the noise gate threshold level in [0, 100].
func WithGateThreshold(level int) Option { return func(o *options) { o.gateLevel = level } }

type lane struct {
	canceller *aec.AEC
	gate      *noisegate.Gate
	gain      *agc.AGC
}

type toggles struct{ aec, ns, agc bool }

// Chain processes interleaved blocks one channel at a time. Process belongs
// to a single goroutine; Apply may be called from any.
type Chain struct {
	rate     float64
	frames   int
	channels int

	lanes []lane
	mic   []float32
	ref   []float32

	aecOn atomic.Bool
	nsOn  atomic.Bool
	agcOn atomic.Bool
	seen  toggles // owned by Process

	doubleTalk atomic.Uint64
}

// New builds a Chain for cfg.
func New(cfg config.AEC, opts ...Option) (*Chain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{taps: aec.DefaultTaps, step: aec.DefaultStep, agcTarget: -1, gateLevel: -1}
	for _, fn := range opts {
		fn(&o)
	}

	period := cfg.BlockPeriod()
	c := &Chain{
		rate:     cfg.SampleRate,
		frames:   cfg.FramesPerBuffer,
		channels: cfg.ChannelsPerFrame,
		lanes:    make([]lane, cfg.ChannelsPerFrame),
		mic:      make([]float32, cfg.FramesPerBuffer),
		ref:      make([]float32, cfg.FramesPerBuffer),
	}
	for i := range c.lanes {
		l := lane{
			canceller: aec.New(cfg.FramesPerBuffer, o.taps),
			gate:      noisegate.New(period),
			gain:      agc.New(period),
		}
		l.canceller.SetStep(o.step)
		if o.agcTarget >= 0 {
			l.gain.SetTarget(o.agcTarget)
		}
		if o.gateLevel >= 0 {
			l.gate.SetThreshold(o.gateLevel)
		}
		l.canceller.SetEnabled(cfg.EnableAEC)
		l.gate.SetEnabled(cfg.EnableNoiseSuppression)
		c.lanes[i] = l
	}
	c.store(cfg)
	c.seen = toggles{cfg.EnableAEC, cfg.EnableNoiseSuppression, cfg.EnableAGC}
	return c, nil
}

// Factory returns an engine.AcousticFactory building Chains with opts.
func Factory(opts ...Option) engine.AcousticFactory {
	return func(cfg config.AEC) (engine.Acoustic, error) {
		c, err := New(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (c *Chain) store(cfg config.AEC) {
	c.aecOn.Store(cfg.EnableAEC)
	c.nsOn.Store(cfg.EnableNoiseSuppression)
	c.agcOn.Store(cfg.EnableAGC)
}

// Apply switches the feature toggles. The stages pick them up at the start of
// the next Process call.
func (c *Chain) Apply(cfg config.AEC) error {
	if cfg.SampleRate != c.rate || cfg.ChannelsPerFrame != c.channels || cfg.FramesPerBuffer != c.frames {
		return fmt.Errorf("%w: format %v Hz x%d/%d, chain is %v Hz x%d/%d", ErrRestartRequired,
			cfg.SampleRate, cfg.ChannelsPerFrame, cfg.FramesPerBuffer, c.rate, c.channels, c.frames)
	}
	c.store(cfg)
	return nil
}

// sync hands toggle changes to the stages. Enabling the canceller or the AGC
// resets them so they adapt from scratch.
func (c *Chain) sync() {
	now := toggles{c.aecOn.Load(), c.nsOn.Load(), c.agcOn.Load()}
	if now == c.seen {
		return
	}
	for i := range c.lanes {
		l := &c.lanes[i]
		if now.aec != c.seen.aec {
			l.canceller.SetEnabled(now.aec)
		}
		if now.ns != c.seen.ns {
			l.gate.SetEnabled(now.ns)
		}
		if now.agc && !c.seen.agc {
			l.gain.Reset()
		}
	}
	c.seen = now
}

// Process cancels echo of ref in mic and writes numFrames interleaved frames
// to out. Blocks longer than the configured buffer are processed in chunks.
// A diverged canceller resets itself and the error is returned; out is then
// incomplete.
func (c *Chain) Process(mic, ref, out []float32, numFrames int) error {
	n := numFrames * c.channels
	if numFrames <= 0 || len(mic) < n || len(ref) < n || len(out) < n {
		return fmt.Errorf("%w: %d frames x %d channels", ErrBufferSize, numFrames, c.channels)
	}
	c.sync()

	for off := 0; off < numFrames; off += c.frames {
		k := min(c.frames, numFrames-off)
		for ch := range c.lanes {
			m, r := c.mic[:k], c.ref[:k]
			deinterleave(m, mic, off, ch, c.channels)
			deinterleave(r, ref, off, ch, c.channels)
			if err := c.lane(ch, m, r); err != nil {
				return fmt.Errorf("dsp: channel %d: %w", ch, err)
			}
			interleave(out, m, off, ch, c.channels)
		}
	}
	return nil
}

func (c *Chain) lane(ch int, mic, ref []float32) error {
	l := &c.lanes[ch]
	// The canceller runs even when disabled so its reference history stays
	// current.
	if err := l.canceller.Process(mic, ref); err != nil {
		return err
	}
	if l.canceller.DoubleTalk() {
		c.doubleTalk.Add(1)
	}
	l.gate.Process(mic)
	if c.seen.agc {
		l.gain.Process(mic)
	}
	return nil
}

func deinterleave(dst, src []float32, frame, ch, channels int) {
	if channels == 1 {
		copy(dst, src[frame:])
		return
	}
	for i := range dst {
		dst[i] = src[(frame+i)*channels+ch]
	}
}

func interleave(dst, src []float32, frame, ch, channels int) {
	if channels == 1 {
		copy(dst[frame:], src)
		return
	}
	for i, v := range src {
		dst[(frame+i)*channels+ch] = v
	}
}

// DoubleTalkBlocks counts channel blocks in which the canceller froze
// adaptation because the near end was talking.
func (c *Chain) DoubleTalkBlocks() uint64 { return c.doubleTalk.Load() }

// Destroy resets every stage. The Chain must not be used afterwards.
func (c *Chain) Destroy() {
	for i := range c.lanes {
		c.lanes[i].canceller.Reset()
		c.lanes[i].gate.Reset()
		c.lanes[i].gain.Reset()
	}
}
