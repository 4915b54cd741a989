// Package capture provides the far-end (reference) audio sources: the
// system's own output through a loopback device, a remote far-end feed
// decoded from Opus packets, and a function adapter for tests and manual
// feeding.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrRunning is returned by Start on a source that is already running.
	ErrRunning = errors.New("capture: source already running")

	// ErrUnsupported is returned when the platform cannot provide the
	// requested source.
	ErrUnsupported = errors.New("capture: source not supported on this platform")
)

// Block is one chunk of interleaved float32 samples. Samples is only valid
// until the handler returns.
type Block struct {
	Seq     uint64
	Time    time.Time
	Samples []float32
}

// Source delivers reference audio to onBlock until Stop. onBlock may run on
// a driver thread and must not block. Stop is idempotent.
type Source interface {
	Start(onBlock func(Block)) error
	Stop() error
}

// Func is a Source driven by Run. Run must return when ctx is cancelled;
// each emit call delivers one block.
type Func struct {
	Run func(ctx context.Context, emit func(samples []float32)) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewFunc returns a Func source for run.
func NewFunc(run func(ctx context.Context, emit func(samples []float32)) error) *Func {
	return &Func{Run: run}
}

// Start runs Run on a new goroutine.
func (f *Func) Start(onBlock func(Block)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	f.cancel, f.done = cancel, done

	var seq uint64
	emit := func(samples []float32) {
		seq++
		onBlock(Block{Seq: seq, Time: time.Now(), Samples: samples})
	}
	go func() { done <- f.Run(ctx, emit) }()
	return nil
}

// Stop cancels Run and waits for it. It returns Run's error unless that is
// context.Canceled.
func (f *Func) Stop() error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
