// Package framebuf implements the reference frame buffer: a fixed-capacity,
// single-producer/single-consumer ring of float32 samples used to line the
// far-end signal up with microphone blocks.
//
// The producer (a capture source) calls Push; the consumer (the engine's
// real-time loop) calls Pull. Neither call locks or allocates. The write
// cursor only moves forward; the read cursor never passes it. When the
// producer laps the consumer the oldest samples are overwritten and the loss
// is counted, never reported as an error.
//
// Alignment is a fixed latency offset plus a drift clamp:
//
//	buf := framebuf.New(8*512,
//		framebuf.WithDelay(latencySamples), // reference lags by the output latency
//		framebuf.WithMaxSkew(2*512),        // resync when the fill drifts further
//	)
package framebuf

import (
	"math"
	"sync/atomic"
)

// Buffer is a lock-free SPSC sample ring. Push must only be called from one
// goroutine and Pull from one (possibly different) goroutine.
type Buffer struct {
	data []atomic.Uint32 // float32 bits
	size uint64

	// w is the committed write cursor. reserve is advanced before the
	// producer touches data so the consumer can detect samples overwritten
	// while it was copying them.
	w       atomic.Uint64
	reserve atomic.Uint64
	r       atomic.Uint64

	delay   uint64
	maxSkew uint64

	overwritten atomic.Uint64
	underruns   atomic.Uint64
	resyncs     atomic.Uint64
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithDelay primes the buffer with n samples of silence so the reference
// lags the write side by a fixed offset. n is clamped to half the capacity.
func WithDelay(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.delay = uint64(n)
		}
	}
}

// WithMaxSkew bounds drift between the two clocks. When more than
// delay+n samples would remain buffered after a Pull, the consumer skips
// forward so exactly delay samples remain. Zero disables the clamp.
func WithMaxSkew(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxSkew = uint64(n)
		}
	}
}

// Stats is a snapshot of the buffer's diagnostic counters.
type Stats struct {
	Written     uint64 // samples pushed since construction, including priming
	Read        uint64 // read cursor, including skipped samples
	Overwritten uint64 // unread samples lost to overflow
	Underruns   uint64 // Pull calls that had to pad with silence
	Resyncs     uint64 // drift clamp activations
	Buffered    int    // samples currently readable
}

// New returns a Buffer holding up to capacity samples. Capacities below one
// are raised to one.
func New(capacity int, opts ...Option) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{
		data: make([]atomic.Uint32, capacity),
		size: uint64(capacity),
	}
	for _, o := range opts {
		o(b)
	}
	if b.delay > b.size/2 {
		b.delay = b.size / 2
	}
	b.prime()
	return b
}

func (b *Buffer) prime() {
	b.r.Store(0)
	b.reserve.Store(b.delay)
	b.w.Store(b.delay)
}

// Cap returns the capacity in samples.
func (b *Buffer) Cap() int { return int(b.size) }

// Delay returns the configured priming offset in samples.
func (b *Buffer) Delay() int { return int(b.delay) }

// Push appends samples. It never blocks and never fails; when the ring is
// full the oldest unread samples are overwritten. Producer only.
func (b *Buffer) Push(samples []float32) {
	n := uint64(len(samples))
	if n == 0 {
		return
	}
	w := b.w.Load()
	if n > b.size {
		// Only the newest size samples can survive; skip the rest but keep
		// the cursor in step with real time.
		w += n - b.size
		samples = samples[n-b.size:]
		n = b.size
	}

	b.reserve.Store(w + n)
	for i, s := range samples {
		b.data[(w+uint64(i))%b.size].Store(math.Float32bits(s))
	}
	b.w.Store(w + n)
}

// Pull fills dst with the next aligned samples and returns how many came from
// the ring. Any shortfall is padded with silence. Consumer only.
func (b *Buffer) Pull(dst []float32) int {
	want := uint64(len(dst))
	w := b.w.Load()
	r := b.r.Load()

	if w-r > b.size {
		b.overwritten.Add(w - b.size - r)
		r = w - b.size
	}
	if b.maxSkew > 0 && w-r > want+b.delay+b.maxSkew {
		r = w - want - b.delay
		b.resyncs.Add(1)
	}

	n := min(w-r, want)
	for i := uint64(0); i < n; i++ {
		dst[i] = math.Float32frombits(b.data[(r+i)%b.size].Load())
	}

	// Samples below reserve-size may have been rewritten during the copy.
	got := n
	if res := b.reserve.Load(); res > b.size && res-b.size > r {
		torn := min(res-b.size-r, n)
		clear(dst[:torn])
		b.overwritten.Add(torn)
		got -= torn
	}

	if n < want {
		clear(dst[n:])
		b.underruns.Add(1)
	}
	b.r.Store(r + n)
	return int(got)
}

// Available returns the number of samples currently readable.
func (b *Buffer) Available() int {
	avail := b.w.Load() - b.r.Load()
	if avail > b.size {
		avail = b.size
	}
	return int(avail)
}

// Reset discards buffered samples and re-primes the delay. It must not run
// concurrently with Push or Pull. Counters are kept.
func (b *Buffer) Reset() {
	for i := range b.data {
		b.data[i].Store(0)
	}
	b.prime()
}

// Stats returns a snapshot of the counters. Safe from any goroutine.
func (b *Buffer) Stats() Stats {
	return Stats{
		Written:     b.w.Load(),
		Read:        b.r.Load(),
		Overwritten: b.overwritten.Load(),
		Underruns:   b.underruns.Load(),
		Resyncs:     b.resyncs.Load(),
		Buffered:    b.Available(),
	}
}
