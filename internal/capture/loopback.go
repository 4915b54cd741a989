package capture

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"bken/aecd/internal/config"
)

// Loopback captures what the system is playing through miniaudio's loopback
// device type. Only backends with loopback support (WASAPI) can open it;
// elsewhere Start returns ErrUnsupported.
type Loopback struct {
	cfg config.AEC

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
	dev *malgo.Device

	running atomic.Bool
	seq     uint64    // driver thread only
	buf     []float32 // driver thread only
	dropped atomic.Uint64
}

// NewLoopback returns a loopback source producing cfg's format.
func NewLoopback(cfg config.AEC) *Loopback {
	return &Loopback{
		cfg: cfg,
		buf: make([]float32, cfg.BlockSamples()),
	}
}

// Start opens the loopback device and delivers one block per driver period.
func (l *Loopback) Start(onBlock func(Block)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dev != nil {
		return ErrRunning
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("capture: init audio context: %w", err)
	}

	dc := malgo.DefaultDeviceConfig(malgo.Loopback)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = uint32(l.cfg.ChannelsPerFrame)
	dc.SampleRate = uint32(l.cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(l.cfg.FramesPerBuffer)

	onData := func(_, input []byte, _ uint32) {
		if !l.running.Load() {
			return
		}
		if len(input)%4 != 0 {
			l.dropped.Add(1)
			return
		}
		now := time.Now()
		// A driver period longer than the block is split rather than
		// allocating on the driver thread.
		chunk := 4 * len(l.buf)
		for len(input) > 0 {
			k := min(chunk, len(input))
			l.seq++
			onBlock(Block{Seq: l.seq, Time: now, Samples: l.convert(input[:k])})
			input = input[k:]
		}
	}

	dev, err := malgo.InitDevice(ctx.Context, dc, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		freeContext(ctx)
		return fmt.Errorf("%w: loopback device: %v", ErrUnsupported, err)
	}

	l.running.Store(true)
	if err := dev.Start(); err != nil {
		l.running.Store(false)
		dev.Uninit()
		freeContext(ctx)
		return fmt.Errorf("capture: start loopback device: %w", err)
	}
	l.ctx, l.dev = ctx, dev
	slog.Info("capture: loopback started", "rate", dc.SampleRate, "channels", dc.Capture.Channels,
		"period_frames", dc.PeriodSizeInFrames)
	return nil
}

// convert decodes at most len(l.buf) little-endian f32 samples into the
// reusable buffer.
func (l *Loopback) convert(data []byte) []float32 {
	out := l.buf[:len(data)/4]
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// Stop halts and releases the device.
func (l *Loopback) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dev == nil {
		return nil
	}
	l.running.Store(false)

	var err error
	if e := l.dev.Stop(); e != nil {
		err = fmt.Errorf("capture: stop loopback device: %w", e)
	}
	l.dev.Uninit()
	freeContext(l.ctx)
	l.dev, l.ctx = nil, nil
	if n := l.dropped.Load(); n > 0 {
		slog.Warn("capture: loopback dropped malformed periods", "count", n)
	}
	return err
}

func freeContext(ctx *malgo.AllocatedContext) {
	if err := ctx.Uninit(); err != nil {
		slog.Warn("capture: uninit audio context", "err", err)
	}
	ctx.Free()
}
