package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"bken/aecd/internal/config"
)

// Mock is an in-memory Backend for tests and for running without hardware.
// Set the exported fields before the first OpenInput.
type Mock struct {
	// OpenErr and StartErr are returned by OpenInput and Stream.Start.
	OpenErr  error
	StartErr error

	// Fill writes block seq (0-based) into buf. Nil delivers silence.
	Fill func(seq uint64, buf []float32)

	// ReadErr, when it returns non-nil for block seq, fails that Read.
	ReadErr func(seq uint64) error

	// Manual makes each Read wait for a Tick instead of the block period.
	Manual bool

	// BrokenStop leaves a blocked Read stuck after Stop, like a wedged driver.
	BrokenStop bool

	mu      sync.Mutex
	streams []*MockStream
	closed  bool
}

// NewMock returns a Mock paced in real time by the block period.
func NewMock() *Mock {
	return &Mock{}
}

// OpenInput opens a MockStream for cfg.
func (m *Mock) OpenInput(cfg config.AEC) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := &MockStream{
		buf:      make([]float32, cfg.BlockSamples()),
		period:   cfg.BlockPeriod(),
		fill:     m.Fill,
		readErr:  m.ReadErr,
		startErr: m.StartErr,
		manual:   m.Manual,
		broken:   m.BrokenStop,
		ticks:    make(chan struct{}),
		unblock:  make(chan struct{}),
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// Close marks the backend closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Streams returns every stream opened so far.
func (m *Mock) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// Last returns the most recently opened stream, or nil.
func (m *Mock) Last() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// Devices returns a fixed single-device listing.
func (m *Mock) Devices() ([]Info, error) {
	return []Info{{ID: 0, Name: "mock input", MaxInputChannels: config.MaxChannels, DefaultSampleRate: 48000}}, nil
}

// MockStream is the Stream opened by Mock. Read blocks like a hardware
// stream; Stop unblocks it unless the backend was configured with BrokenStop.
type MockStream struct {
	buf      []float32
	period   time.Duration
	fill     func(uint64, []float32)
	readErr  func(uint64) error
	startErr error
	manual   bool
	broken   bool

	ticks chan struct{}

	mu      sync.Mutex
	unblock chan struct{} // closed by Stop, replaced by a restart

	seq           atomic.Uint64
	started       atomic.Bool
	stopped       atomic.Bool
	closed        atomic.Bool
	BlockedInRead atomic.Bool
}

// Start begins delivery. A stopped stream may be started again.
func (s *MockStream) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	if s.stopped.Load() {
		s.unblock = make(chan struct{})
		s.stopped.Store(false)
	}
	s.mu.Unlock()
	s.started.Store(true)
	return nil
}

// Stop makes blocked and future Reads return ErrStopped.
func (s *MockStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Swap(true) || s.broken {
		return nil
	}
	close(s.unblock)
	return nil
}

func (s *MockStream) stopCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unblock
}

// Close releases the stream.
func (s *MockStream) Close() error {
	if s.closed.Swap(true) {
		return errors.New("device: mock stream closed twice")
	}
	return nil
}

// Read waits for the next block and fills Buffer.
func (s *MockStream) Read() error {
	if s.stopped.Load() && !s.broken {
		return ErrStopped
	}
	unblock := s.stopCh()
	s.BlockedInRead.Store(true)
	if s.manual {
		select {
		case <-s.ticks:
		case <-unblock:
			return ErrStopped
		}
	} else {
		t := time.NewTimer(s.period)
		select {
		case <-t.C:
		case <-unblock:
			t.Stop()
			return ErrStopped
		}
	}
	s.BlockedInRead.Store(false)

	seq := s.seq.Add(1) - 1
	if s.readErr != nil {
		if err := s.readErr(seq); err != nil {
			return err
		}
	}
	if s.fill != nil {
		s.fill(seq, s.buf)
	} else {
		clear(s.buf)
	}
	return nil
}

// Tick releases one blocked Read in manual mode. It reports false when the
// stream stopped before a reader took the tick.
func (s *MockStream) Tick() bool {
	select {
	case s.ticks <- struct{}{}:
		return true
	case <-s.stopCh():
		return false
	}
}

func (s *MockStream) Buffer() []float32      { return s.buf }
func (s *MockStream) Latency() time.Duration { return s.period }

// Started, Stopped and Closed report lifecycle calls seen by the stream.
func (s *MockStream) Started() bool { return s.started.Load() }
func (s *MockStream) Stopped() bool { return s.stopped.Load() }
func (s *MockStream) Closed() bool  { return s.closed.Load() }

// Blocks returns the number of blocks delivered.
func (s *MockStream) Blocks() uint64 { return s.seq.Load() }
