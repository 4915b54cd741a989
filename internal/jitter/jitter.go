// Package jitter reorders the far-end packets of each remote sender.
//
// Packets carry a 16-bit sequence number. Each sender gets a small ring that
// buffers depth packets before playout starts; after that Pop yields exactly
// one frame per sender per frame period. A missing packet is reported with a
// nil Payload so the decoder can conceal it, plus the following packet in
// FEC when it already arrived.
package jitter

import (
	"slices"
	"time"
)

const (
	ringSize = 16 // must be a power of two
	ringMask = ringSize - 1

	// DefaultStaleTimeout is how long a sender may stay silent before its
	// stream is pruned.
	DefaultStaleTimeout = 500 * time.Millisecond
)

// Frame is one frame period of one sender.
type Frame struct {
	Sender  uint16
	Seq     uint16
	Payload []byte // nil when the packet is missing
	FEC     []byte // packet Seq+1, set only when Payload is nil
}

// Stats counts packet fates since the buffer was created.
type Stats struct {
	Pushed    uint64 `json:"pushed"`
	Played    uint64 `json:"played"`
	Missing   uint64 `json:"missing"`
	Late      uint64 `json:"late"`
	Restarts  uint64 `json:"restarts"`
	Pruned    uint64 `json:"pruned"`
	Senders   int    `json:"senders"`
	Buffering int    `json:"buffering"`
}

type slot struct {
	payload []byte
	seq     uint16
	set     bool
}

type stream struct {
	ring     [ringSize]slot
	next     uint16 // next sequence number to play
	primed   bool
	count    int
	lastRecv time.Time
}

func (s *stream) put(seq uint16, payload []byte) {
	s.ring[int(seq)&ringMask] = slot{payload: payload, seq: seq, set: true}
}

func (s *stream) take(seq uint16) []byte {
	sl := &s.ring[int(seq)&ringMask]
	if !sl.set || sl.seq != seq {
		return nil
	}
	return sl.payload
}

// Buffer is a per-sender jitter buffer. It is not safe for concurrent use.
type Buffer struct {
	streams map[uint16]*stream
	order   []uint16
	depth   int
	stale   time.Duration
	now     func() time.Time
	stats   Stats
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithStaleTimeout overrides DefaultStaleTimeout.
func WithStaleTimeout(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.stale = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// New returns a buffer that primes each sender with depth packets. Depth is
// clamped to [1, 8].
func New(depth int, opts ...Option) *Buffer {
	b := &Buffer{
		streams: make(map[uint16]*stream),
		stale:   DefaultStaleTimeout,
		now:     time.Now,
	}
	b.SetDepth(depth)
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetDepth changes the priming depth for streams that start after the call.
func (b *Buffer) SetDepth(depth int) {
	b.depth = min(max(depth, 1), ringSize/2)
}

// Depth returns the priming depth.
func (b *Buffer) Depth() int { return b.depth }

// Push stores one packet.
func (b *Buffer) Push(sender, seq uint16, payload []byte) {
	b.stats.Pushed++
	s, ok := b.streams[sender]
	if !ok {
		s = &stream{next: seq}
		b.streams[sender] = s
		b.order = append(b.order, sender)
		slices.Sort(b.order)
	}
	s.lastRecv = b.now()

	dist := int16(seq - s.next)
	if !s.primed {
		// An earlier packet overtaken by a later one moves the start back.
		if dist < 0 && int(-dist) < ringSize {
			s.next = seq
		}
		s.put(seq, payload)
		s.count++
		s.primed = s.count >= b.depth
		return
	}

	switch {
	case dist < 0:
		b.stats.Late++
	case int(dist) >= ringSize:
		// A long gap or a restarted sender: start over at seq.
		b.stats.Restarts++
		*s = stream{next: seq, lastRecv: s.lastRecv, count: 1}
		s.put(seq, payload)
		s.primed = s.count >= b.depth
	default:
		s.put(seq, payload)
	}
}

// Pop appends one frame per primed sender to dst, in sender order, and
// returns it. Senders silent for longer than the stale timeout are pruned.
func (b *Buffer) Pop(dst []Frame) []Frame {
	now := b.now()
	kept := b.order[:0]
	for _, id := range b.order {
		s := b.streams[id]
		if now.Sub(s.lastRecv) > b.stale {
			delete(b.streams, id)
			b.stats.Pruned++
			continue
		}
		kept = append(kept, id)
		if !s.primed {
			continue
		}

		f := Frame{Sender: id, Seq: s.next, Payload: s.take(s.next)}
		if f.Payload == nil {
			f.FEC = s.take(s.next + 1)
			b.stats.Missing++
		} else {
			b.stats.Played++
		}
		s.ring[int(s.next)&ringMask] = slot{}
		s.next++
		dst = append(dst, f)
	}
	b.order = kept
	return dst
}

// Reset drops every stream.
func (b *Buffer) Reset() {
	clear(b.streams)
	b.order = b.order[:0]
}

// ActiveSenders returns the number of primed streams.
func (b *Buffer) ActiveSenders() int {
	n := 0
	for _, s := range b.streams {
		if s.primed {
			n++
		}
	}
	return n
}

// Stats returns the packet counters and current stream counts.
func (b *Buffer) Stats() Stats {
	st := b.stats
	st.Senders = len(b.streams)
	st.Buffering = st.Senders - b.ActiveSenders()
	return st
}
