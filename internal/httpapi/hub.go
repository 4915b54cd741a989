package httpapi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"bken/aecd/internal/engine"
)

// ErrShortFrame is returned by DecodeBlock for truncated frames.
var ErrShortFrame = errors.New("httpapi: short audio frame")

// Subscriber is one /ws/audio listener.
type Subscriber struct {
	ID   uint64
	Send <-chan []byte
}

// frameSlots is how many blocks may wait between Broadcast and the hub
// goroutine. Broadcast drops the block when every slot is in use.
const frameSlots = 8

// slot is a reusable copy of one block. Its buffers grow only when the
// block size does.
type slot struct {
	seq        uint64
	processed  []float32
	microphone []float32
	reference  []float32
}

func (s *slot) fill(b engine.Block) {
	s.seq = b.Seq
	s.processed = append(s.processed[:0], b.Processed...)
	s.microphone = append(s.microphone[:0], b.Microphone...)
	s.reference = append(s.reference[:0], b.Reference...)
}

func (s *slot) block() engine.Block {
	return engine.Block{Seq: s.seq, Processed: s.processed, Microphone: s.microphone, Reference: s.reference}
}

type registration struct {
	id   uint64
	ch   chan []byte
	done chan bool
}

// Hub fans processed blocks out to websocket listeners. Broadcast runs on
// the audio loop: it copies the block into a free slot and queues it without
// blocking. The hub goroutine owns the listener set, encodes each frame once
// and hands it to every listener whose queue has room.
type Hub struct {
	free  chan *slot
	queue chan *slot

	register   chan registration
	unregister chan registration
	quit       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once

	nextID  atomic.Uint64
	count   atomic.Int64
	dropped atomic.Uint64
}

// NewHub returns an empty hub with its goroutine running. Close stops it.
func NewHub() *Hub {
	h := newHub(frameSlots)
	go h.run()
	return h
}

func newHub(slots int) *Hub {
	h := &Hub{
		free:       make(chan *slot, slots),
		queue:      make(chan *slot, slots),
		register:   make(chan registration),
		unregister: make(chan registration),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for range slots {
		h.free <- &slot{}
	}
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	subs := make(map[uint64]chan []byte)
	for {
		select {
		case <-h.quit:
			for id, ch := range subs {
				close(ch)
				delete(subs, id)
			}
			h.count.Store(0)
			return
		case r := <-h.register:
			subs[r.id] = r.ch
			h.count.Store(int64(len(subs)))
			r.done <- true
		case r := <-h.unregister:
			ch, ok := subs[r.id]
			if ok {
				delete(subs, r.id)
				close(ch)
				h.count.Store(int64(len(subs)))
			}
			r.done <- ok
		case s := <-h.queue:
			frame := EncodeBlock(s.block())
			h.free <- s
			for _, ch := range subs {
				select {
				case ch <- frame:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}
}

// Add registers a listener with a queue of sendBuf frames. After Close the
// returned queue is already closed.
func (h *Hub) Add(sendBuf int) *Subscriber {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	id := h.nextID.Add(1)
	ch := make(chan []byte, sendBuf)

	r := registration{id: id, ch: ch, done: make(chan bool, 1)}
	select {
	case h.register <- r:
		<-r.done
		slog.Info("httpapi: audio listener added", "listener_id", id, "listeners", h.Count())
	case <-h.stopped:
		close(ch)
	}
	return &Subscriber{ID: id, Send: ch}
}

// Remove unregisters a listener and closes its queue.
func (h *Hub) Remove(id uint64) bool {
	r := registration{id: id, done: make(chan bool, 1)}
	select {
	case h.unregister <- r:
	case <-h.stopped:
		return false
	}
	ok := <-r.done
	if ok {
		slog.Info("httpapi: audio listener removed", "listener_id", id, "listeners", h.Count())
	}
	return ok
}

// Close stops the hub goroutine and closes every listener queue.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
	<-h.stopped
}

// Count returns the number of listeners.
func (h *Hub) Count() int { return int(h.count.Load()) }

// Dropped returns how many frames were skipped for full queues or because
// no slot was free.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Broadcast is an engine.Callback. With no listeners it returns at once.
// It neither locks nor allocates once the slots have grown to the block
// size.
func (h *Hub) Broadcast(b engine.Block) {
	if h.count.Load() == 0 {
		return
	}
	var s *slot
	select {
	case s = <-h.free:
	default:
		h.dropped.Add(1)
		return
	}
	s.fill(b)
	// queue holds every slot, so this send never waits.
	h.queue <- s
}

// EncodeBlock encodes b as
//
//	[seq u64][n u32][processed f32 x n][n u32][microphone f32 x n][n u32][reference f32 x n]
//
// all little endian.
func EncodeBlock(b engine.Block) []byte {
	size := 8 + 12 + 4*(len(b.Processed)+len(b.Microphone)+len(b.Reference))
	out := make([]byte, 0, size)
	out = binary.LittleEndian.AppendUint64(out, b.Seq)
	for _, buf := range [][]float32{b.Processed, b.Microphone, b.Reference} {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(buf)))
		for _, s := range buf {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(s))
		}
	}
	return out
}

// DecodeBlock parses a frame written by EncodeBlock. Only Seq and the three
// buffers are set.
func DecodeBlock(data []byte) (engine.Block, error) {
	if len(data) < 8 {
		return engine.Block{}, ErrShortFrame
	}
	b := engine.Block{Seq: binary.LittleEndian.Uint64(data)}
	data = data[8:]

	var bufs [3][]float32
	for i := range bufs {
		if len(data) < 4 {
			return engine.Block{}, ErrShortFrame
		}
		n := int(binary.LittleEndian.Uint32(data))
		data = data[4:]
		if len(data) < 4*n {
			return engine.Block{}, fmt.Errorf("%w: buffer %d wants %d samples", ErrShortFrame, i, n)
		}
		buf := make([]float32, n)
		for j := range buf {
			buf[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*j:]))
		}
		bufs[i] = buf
		data = data[4*n:]
	}
	b.Processed, b.Microphone, b.Reference = bufs[0], bufs[1], bufs[2]
	return b, nil
}
