package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/hraban/opus.v2"

	"bken/aecd/internal/config"
	"bken/aecd/internal/jitter"
)

const (
	headerSize = 4

	// DefaultFrame is the far-end packet duration.
	DefaultFrame = 20 * time.Millisecond

	minBackoff = 250 * time.Millisecond
	maxBackoff = 5 * time.Second

	// decoders of senders absent for this many frames are released
	decoderIdleFrames = 250
)

// MarshalFrame builds one far-end packet: sender and sequence number as
// big-endian uint16 followed by the Opus payload.
func MarshalFrame(sender, seq uint16, payload []byte) []byte {
	b := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(b[0:2], sender)
	binary.BigEndian.PutUint16(b[2:4], seq)
	copy(b[headerSize:], payload)
	return b
}

// ParseFrame splits a far-end packet. payload aliases data.
func ParseFrame(data []byte) (sender, seq uint16, payload []byte, ok bool) {
	if len(data) < headerSize {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4]), data[headerSize:], true
}

// Decoder decodes one sender's Opus stream. *opus.Decoder implements it.
type Decoder interface {
	DecodeFloat32(data []byte, pcm []float32) (int, error)
	DecodeFECFloat32(data []byte, pcm []float32) error
	DecodePLCFloat32(pcm []float32) error
}

// DecoderFactory creates a Decoder for one sender.
type DecoderFactory func(sampleRate, channels int) (Decoder, error)

// NewOpusDecoder is the DecoderFactory backed by libopus.
func NewOpusDecoder(sampleRate, channels int) (Decoder, error) {
	d, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ErrNoURL is returned by NewRemote without a feed URL.
var ErrNoURL = errors.New("capture: remote url is empty")

// RemoteConfig configures a Remote source.
type RemoteConfig struct {
	URL         string
	Format      config.AEC
	Frame       time.Duration // packet duration; zero selects DefaultFrame
	JitterDepth int
	Decoders    DecoderFactory    // nil selects NewOpusDecoder
	Dialer      *websocket.Dialer // nil selects websocket.DefaultDialer
}

// RemoteStats counts far-end feed events.
type RemoteStats struct {
	Packets      uint64       `json:"packets"`
	Malformed    uint64       `json:"malformed"`
	DecodeErrors uint64       `json:"decode_errors"`
	Reconnects   uint64       `json:"reconnects"`
	Connected    bool         `json:"connected"`
	Jitter       jitter.Stats `json:"jitter"`
}

// Add returns the counters of r and o summed. Connected and the jitter
// gauges come from o, the newer of the two.
func (r RemoteStats) Add(o RemoteStats) RemoteStats {
	j := o.Jitter
	j.Pushed += r.Jitter.Pushed
	j.Played += r.Jitter.Played
	j.Missing += r.Jitter.Missing
	j.Late += r.Jitter.Late
	j.Restarts += r.Jitter.Restarts
	j.Pruned += r.Jitter.Pruned
	return RemoteStats{
		Packets:      r.Packets + o.Packets,
		Malformed:    r.Malformed + o.Malformed,
		DecodeErrors: r.DecodeErrors + o.DecodeErrors,
		Reconnects:   r.Reconnects + o.Reconnects,
		Connected:    o.Connected,
		Jitter:       j,
	}
}

type senderDecoder struct {
	dec      Decoder
	lastTick uint64
}

// Remote is the far-end feed of a call: Opus packets from one or more remote
// senders arrive over a websocket, are reordered per sender, decoded, mixed
// and delivered as one block per packet duration. Silence is delivered while
// nobody is talking so the reference keeps its clock.
type Remote struct {
	cfg      RemoteConfig
	channels int
	rate     int

	mu  sync.Mutex // guards jit
	jit *jitter.Buffer

	// owned by the playout goroutine
	decoders map[uint16]*senderDecoder
	frames   []jitter.Frame
	pcm      []float32
	mix      []float32
	ticks    uint64

	run    sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	packets, malformed, decodeErrs, reconnects atomic.Uint64
	connected                                  atomic.Bool
}

// NewRemote validates cfg and returns a stopped source.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Frame == 0 {
		cfg.Frame = DefaultFrame
	}
	switch cfg.Frame {
	case 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
	default:
		return nil, fmt.Errorf("%w: opus frame duration %v", ErrUnsupported, cfg.Frame)
	}
	rate := int(cfg.Format.SampleRate)
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("%w: opus sample rate %v", ErrUnsupported, cfg.Format.SampleRate)
	}
	if ch := cfg.Format.ChannelsPerFrame; ch < 1 || ch > 2 {
		return nil, fmt.Errorf("%w: opus channel count %d", ErrUnsupported, ch)
	}
	if cfg.Decoders == nil {
		cfg.Decoders = NewOpusDecoder
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	n := cfg.Format.Samples(cfg.Frame)
	return &Remote{
		cfg:      cfg,
		channels: cfg.Format.ChannelsPerFrame,
		rate:     rate,
		jit:      jitter.New(cfg.JitterDepth),
		decoders: make(map[uint16]*senderDecoder),
		pcm:      make([]float32, n),
		mix:      make([]float32, n),
	}, nil
}

// Start connects to the feed and begins playout.
func (r *Remote) Start(onBlock func(Block)) error {
	r.run.Lock()
	defer r.run.Unlock()
	if r.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.receive(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.playout(ctx, onBlock)
	}()
	return nil
}

// Stop disconnects and waits for both goroutines.
func (r *Remote) Stop() error {
	r.run.Lock()
	defer r.run.Unlock()
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	r.cancel = nil

	r.mu.Lock()
	r.jit.Reset()
	r.mu.Unlock()
	return nil
}

// receive keeps one websocket connection open, reconnecting with backoff.
func (r *Remote) receive(ctx context.Context) {
	backoff := minBackoff
	for ctx.Err() == nil {
		conn, _, err := r.cfg.Dialer.DialContext(ctx, r.cfg.URL, nil)
		if err != nil {
			slog.Warn("capture: dial far-end feed", "url", r.cfg.URL, "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, maxBackoff)
			continue
		}
		backoff = minBackoff
		slog.Info("capture: far-end feed connected", "url", r.cfg.URL)

		r.connected.Store(true)
		err = r.read(ctx, conn)
		r.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		r.reconnects.Add(1)
		slog.Warn("capture: far-end feed lost", "err", err)
	}
}

func (r *Remote) read(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		if stop() {
			conn.Close()
		}
	}()
	conn.SetReadLimit(64 << 10)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		sender, seq, payload, ok := ParseFrame(data)
		if !ok {
			r.malformed.Add(1)
			continue
		}
		r.push(sender, seq, payload)
	}
}

func (r *Remote) push(sender, seq uint16, payload []byte) {
	r.packets.Add(1)
	r.mu.Lock()
	r.jit.Push(sender, seq, payload)
	r.mu.Unlock()
}

func (r *Remote) playout(ctx context.Context, onBlock func(Block)) {
	t := time.NewTicker(r.cfg.Frame)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			onBlock(r.tick(now))
		}
	}
}

// tick pops one frame per sender, decodes and mixes them.
func (r *Remote) tick(now time.Time) Block {
	r.ticks++
	r.mu.Lock()
	r.frames = r.jit.Pop(r.frames[:0])
	r.mu.Unlock()

	clear(r.mix)
	for _, f := range r.frames {
		pcm, err := r.decode(f)
		if err != nil {
			r.decodeErrs.Add(1)
			slog.Debug("capture: decode far-end frame", "sender", f.Sender, "seq", f.Seq, "err", err)
			continue
		}
		for i, v := range pcm {
			r.mix[i] += v
		}
	}
	for i, v := range r.mix {
		r.mix[i] = float32(math.Max(-1, math.Min(1, float64(v))))
	}

	for id, d := range r.decoders {
		if r.ticks-d.lastTick > decoderIdleFrames {
			delete(r.decoders, id)
		}
	}
	return Block{Seq: r.ticks, Time: now, Samples: r.mix}
}

func (r *Remote) decode(f jitter.Frame) ([]float32, error) {
	d, ok := r.decoders[f.Sender]
	if !ok {
		dec, err := r.cfg.Decoders(r.rate, r.channels)
		if err != nil {
			return nil, err
		}
		d = &senderDecoder{dec: dec}
		r.decoders[f.Sender] = d
	}
	d.lastTick = r.ticks

	pcm := r.pcm
	switch {
	case f.Payload != nil:
		n, err := d.dec.DecodeFloat32(f.Payload, pcm)
		if err != nil {
			return nil, err
		}
		return pcm[:min(n*r.channels, len(pcm))], nil
	case f.FEC != nil:
		return pcm, d.dec.DecodeFECFloat32(f.FEC, pcm)
	default:
		return pcm, d.dec.DecodePLCFloat32(pcm)
	}
}

// Stats returns a snapshot of the feed counters.
func (r *Remote) Stats() RemoteStats {
	r.mu.Lock()
	js := r.jit.Stats()
	r.mu.Unlock()
	return RemoteStats{
		Packets:      r.packets.Load(),
		Malformed:    r.malformed.Load(),
		DecodeErrors: r.decodeErrs.Load(),
		Reconnects:   r.reconnects.Load(),
		Connected:    r.connected.Load(),
		Jitter:       js,
	}
}
