// Package session coordinates one AEC capture at a time: the microphone
// stream owned by the engine, the system-audio source feeding the reference
// frame buffer, and the journal entry recording the session.
//
// Control calls serialize on one mutex. Read-only accessors (IsAECActive,
// CurrentAECConfig, Stats) are lock-free so the block callback may call them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bken/aecd/internal/capture"
	"bken/aecd/internal/config"
	"bken/aecd/internal/device"
	"bken/aecd/internal/engine"
	"bken/aecd/internal/framebuf"
	"bken/aecd/internal/permission"
	"bken/aecd/internal/store"
)

// ErrAlreadyActive is returned by StartAECCapture while a session exists.
var ErrAlreadyActive = errors.New("session: AEC capture already active")

const journalTimeout = 2 * time.Second

// SourceFactory builds the system-audio source for cfg. A nil source with a
// nil error means the reference is silence.
type SourceFactory func(cfg config.AEC) (capture.Source, error)

// Journal records session starts and ends. *store.Store implements it.
type Journal interface {
	BeginSession(ctx context.Context, cfg config.AEC, start time.Time) (int64, error)
	EndSession(ctx context.Context, id int64, stop time.Time, sum store.Summary) error
}

// feedStats is implemented by sources that report feed health, such as
// *capture.Remote.
type feedStats interface {
	Stats() capture.RemoteStats
}

// feedState pairs the live feed with the totals of feeds it replaced.
type feedState struct {
	src  feedStats // nil after a restart to a source without stats
	base capture.RemoteStats
}

func (f *feedState) total() capture.RemoteStats {
	if f.src == nil {
		return f.base
	}
	return f.base.Add(f.src.Stats())
}

// Alignment sizes the reference frame buffer.
type Alignment struct {
	// Latency is added to the input stream latency to get the fixed
	// reference delay.
	Latency time.Duration
	// MaxSkew is the drift tolerated before the reference resyncs.
	MaxSkew time.Duration
	// Capacity is how much reference audio the buffer holds.
	Capacity time.Duration
}

// AlignmentFrom converts the daemon's reference settings.
func AlignmentFrom(ref config.ReferenceConfig) Alignment {
	return Alignment{Latency: ref.Latency, MaxSkew: ref.MaxSkew, Capacity: ref.Capacity}
}

// Deps are the collaborators of an Orchestrator. Only Backend is required.
type Deps struct {
	Backend     device.Backend
	Acoustic    engine.AcousticFactory
	Source      SourceFactory
	Permissions permission.Checker
	Journal     Journal
	Alignment   Alignment
	StopTimeout time.Duration
	// Config is used by the first session; zero selects config.Default.
	Config config.AEC
}

// Stats is a snapshot of the orchestrator and the active session.
type Stats struct {
	Active    bool           `json:"active"`
	SessionID int64          `json:"session_id,omitempty"`
	Since     time.Time      `json:"since,omitzero"`
	Config    config.AEC     `json:"config"`
	Engine    engine.Stats   `json:"engine"`
	Reference framebuf.Stats `json:"reference"`
	// ReferenceDelay is the fixed reference delay in samples.
	ReferenceDelay int                  `json:"reference_delay"`
	Feed           *capture.RemoteStats `json:"feed,omitempty"`
	Errors         uint64               `json:"errors"`
	LastError      string               `json:"last_error,omitempty"`
}

// active is one running capture. eng never changes; buf and src are swapped
// by restart-class updates under Orchestrator.mu.
type active struct {
	id    int64
	since time.Time
	eng   *engine.Engine
	buf   atomic.Pointer[framebuf.Buffer]
	src   capture.Source
	feed  atomic.Pointer[feedState]

	// counters of buffers already replaced
	overwritten, resyncs, underruns atomic.Uint64

	quit    chan struct{}
	monitor chan struct{}
	errs    atomic.Uint64
	lastErr atomic.Pointer[string]
}

// Orchestrator owns at most one capture session.
type Orchestrator struct {
	deps Deps

	mu  sync.Mutex
	cfg atomic.Pointer[config.AEC]
	cur atomic.Pointer[active]
	// starting is the session between engine open and publication in cur.
	starting atomic.Pointer[active]
}

// New returns an idle Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Acoustic == nil {
		deps.Acoustic = engine.Bypass
	}
	cfg := deps.Config
	if cfg == (config.AEC{}) {
		cfg = config.Default()
	}
	o := &Orchestrator{deps: deps}
	o.cfg.Store(&cfg)
	return o
}

// StartAECCapture starts the engine and the system-audio source and relays
// every processed block to cb. On any failure everything started so far is
// torn down again.
func (o *Orchestrator) StartAECCapture(cb engine.Callback) error {
	if o.inCallback() {
		return engine.ErrReentrantStop
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.starting.Store(nil)

	if o.cur.Load() != nil {
		return ErrAlreadyActive
	}
	cfg := o.CurrentAECConfig()
	o.checkPermissions()

	a := &active{since: time.Now()}
	if err := o.start(a, cfg, cb); err != nil {
		if terr := o.teardown(a); terr != nil {
			slog.Warn("session: cleanup after failed start", "err", terr)
		}
		return err
	}
	o.cur.Store(a)
	slog.Info("session: AEC capture started", "session_id", a.id, "rate", cfg.SampleRate,
		"channels", cfg.ChannelsPerFrame, "frames", cfg.FramesPerBuffer)
	return nil
}

func (o *Orchestrator) start(a *active, cfg config.AEC, cb engine.Callback) error {
	eng, err := engine.Open(o.deps.Backend, cfg,
		engine.WithAcoustic(o.deps.Acoustic), engine.WithStopTimeout(o.deps.StopTimeout))
	if err != nil {
		return fmt.Errorf("session: open engine: %w", err)
	}
	a.eng = eng
	o.starting.Store(a)

	if err := o.attachReference(a, cfg); err != nil {
		return err
	}
	if err := eng.Start(cb); err != nil {
		return fmt.Errorf("session: start engine: %w", err)
	}

	a.quit = make(chan struct{})
	a.monitor = make(chan struct{})
	go a.drain(eng.Errors())

	if j := o.deps.Journal; j != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		id, err := j.BeginSession(ctx, cfg, a.since)
		if err != nil {
			slog.Warn("session: journal begin", "err", err)
		} else {
			a.id = id
		}
	}
	return nil
}

// attachReference builds a primed frame buffer for cfg, hands it to the
// engine and starts the system-audio source pushing into it.
func (o *Orchestrator) attachReference(a *active, cfg config.AEC) error {
	buf := o.newBuffer(cfg, a.eng.InputLatency())
	a.buf.Store(buf)
	a.eng.SetReference(buf)
	slog.Debug("session: reference buffer primed", "delay_samples", buf.Delay(), "capacity", buf.Cap())

	if o.deps.Source == nil {
		return nil
	}
	src, err := o.deps.Source(cfg)
	if err != nil {
		return fmt.Errorf("session: create system audio source: %w", err)
	}
	if src == nil {
		return nil
	}
	if err := src.Start(func(b capture.Block) { buf.Push(b.Samples) }); err != nil {
		return fmt.Errorf("session: start system audio source: %w", err)
	}
	a.src = src
	if fs, ok := src.(feedStats); ok {
		var base capture.RemoteStats
		if prev := a.feed.Load(); prev != nil {
			base = prev.base
		}
		a.feed.Store(&feedState{src: fs, base: base})
	}
	return nil
}

func (o *Orchestrator) newBuffer(cfg config.AEC, inputLatency time.Duration) *framebuf.Buffer {
	al := o.deps.Alignment
	block := cfg.BlockSamples()
	delay := cfg.Samples(al.Latency + inputLatency)
	capacity := max(cfg.Samples(al.Capacity), 2*delay+4*block)
	return framebuf.New(capacity,
		framebuf.WithDelay(delay),
		framebuf.WithMaxSkew(cfg.Samples(al.MaxSkew)),
	)
}

func (o *Orchestrator) checkPermissions() {
	st := o.Permissions()
	if !permission.Allowed(st, permission.Microphone) {
		slog.Warn("session: microphone permission not granted", "status", st[permission.Microphone])
	}
	if o.deps.Source != nil && !permission.Allowed(st, permission.Audio) {
		slog.Warn("session: system audio permission not granted", "status", st[permission.Audio])
	}
}

// drain records errors reported by the real-time loop until quit closes,
// then takes whatever is still queued.
func (a *active) drain(errs <-chan error) {
	defer close(a.monitor)
	for {
		select {
		case <-a.quit:
			for {
				select {
				case err := <-errs:
					a.record(err)
				default:
					return
				}
			}
		case err := <-errs:
			a.record(err)
		}
	}
}

func (a *active) record(err error) {
	a.errs.Add(1)
	msg := err.Error()
	a.lastErr.Store(&msg)
	slog.Warn("session: audio loop error", "err", err)
}

// StopAECCapture stops and releases the active session. It succeeds when no
// session exists. Called from inside the block callback it returns
// engine.ErrReentrantStop and leaves the session running.
func (o *Orchestrator) StopAECCapture() error {
	if o.inCallback() {
		return engine.ErrReentrantStop
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	a := o.cur.Load()
	if a == nil {
		return nil
	}
	if err := o.teardown(a); err != nil {
		if errors.Is(err, engine.ErrReentrantStop) {
			return err
		}
		o.cur.Store(nil)
		return err
	}
	o.cur.Store(nil)
	slog.Info("session: AEC capture stopped", "session_id", a.id)
	return nil
}

// teardown releases whatever a holds. The engine goes first: the source
// keeps feeding the buffer until the loop that pulls from it is gone.
func (o *Orchestrator) teardown(a *active) error {
	if a.eng != nil && a.eng.InCallback() {
		return engine.ErrReentrantStop
	}
	var errs []error
	if a.eng != nil {
		if err := a.eng.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if a.src != nil {
		if err := a.src.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop system audio source: %w", err))
		}
		a.src = nil
	}
	if a.quit != nil {
		close(a.quit)
		<-a.monitor
		a.quit = nil
	}
	if a.id != 0 && o.deps.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		err := o.deps.Journal.EndSession(ctx, a.id, time.Now(), a.summary())
		cancel()
		if err != nil {
			slog.Warn("session: journal end", "session_id", a.id, "err", err)
		}
	}
	a.buf.Store(nil)
	return errors.Join(errs...)
}

func (a *active) summary() store.Summary {
	es := a.eng.Stats()
	rs := a.reference()
	sum := store.Summary{
		Blocks:         es.Blocks,
		PassThrough:    es.PassThrough,
		ReferenceShort: es.ReferenceShort,
		Overwritten:    rs.Overwritten,
		Resyncs:        rs.Resyncs,
		Errors:         a.errs.Load(),
	}
	if p := a.lastErr.Load(); p != nil {
		sum.LastError = *p
	}
	return sum
}

// reference returns frame buffer counters summed over every buffer the
// session used.
func (a *active) reference() framebuf.Stats {
	var st framebuf.Stats
	if b := a.buf.Load(); b != nil {
		st = b.Stats()
	}
	st.Overwritten += a.overwritten.Load()
	st.Resyncs += a.resyncs.Load()
	st.Underruns += a.underruns.Load()
	return st
}

// UpdateAECConfig validates cfg and applies it. Without a session it only
// becomes the configuration of the next one. A change of sample format or
// block size also restarts the system-audio source and re-primes the frame
// buffer.
func (o *Orchestrator) UpdateAECConfig(cfg config.AEC) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if o.inCallback() {
		return engine.ErrReentrantStop
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	old := o.CurrentAECConfig()
	a := o.cur.Load()
	if a == nil {
		o.cfg.Store(&cfg)
		slog.Info("session: configuration stored for next capture")
		return nil
	}
	if !config.RequiresRestart(old, cfg) {
		if err := a.eng.UpdateConfig(cfg); err != nil {
			if errors.Is(err, engine.ErrReconfigurationFailed) {
				o.cfg.Store(&cfg)
			}
			return err
		}
		o.cfg.Store(&cfg)
		return nil
	}
	return o.restart(a, cfg)
}

func (o *Orchestrator) restart(a *active, cfg config.AEC) error {
	if a.src != nil {
		if err := a.src.Stop(); err != nil {
			slog.Warn("session: stop system audio source", "err", err)
		}
		a.src = nil
	}
	if f := a.feed.Load(); f != nil {
		a.feed.Store(&feedState{base: f.total()})
	}
	if old := a.buf.Swap(nil); old != nil {
		st := old.Stats()
		a.overwritten.Add(st.Overwritten)
		a.resyncs.Add(st.Resyncs)
		a.underruns.Add(st.Underruns)
	}
	a.eng.SetReference(nil)

	if err := a.eng.UpdateConfig(cfg); err != nil {
		if errors.Is(err, engine.ErrReconfigurationFailed) {
			o.cfg.Store(&cfg)
		}
		return err
	}
	o.cfg.Store(&cfg)
	if err := o.attachReference(a, cfg); err != nil {
		return err
	}
	slog.Info("session: restarted", "session_id", a.id, "rate", cfg.SampleRate,
		"channels", cfg.ChannelsPerFrame, "frames", cfg.FramesPerBuffer)
	return nil
}

// inCallback reports whether the caller runs inside the block callback of
// the active or starting session. Lifecycle calls check it before taking
// the mutex: a control call holding it may be waiting for that callback.
func (o *Orchestrator) inCallback() bool {
	for _, a := range [...]*active{o.cur.Load(), o.starting.Load()} {
		if a != nil && a.eng != nil && a.eng.InCallback() {
			return true
		}
	}
	return false
}

// IsAECActive reports whether a session exists and its engine is processing.
func (o *Orchestrator) IsAECActive() bool {
	a := o.cur.Load()
	return a != nil && a.eng.IsProcessing()
}

// CurrentAECConfig returns the configuration of the active session, or the
// one the next session will use.
func (o *Orchestrator) CurrentAECConfig() config.AEC {
	return *o.cfg.Load()
}

// DefaultAECConfig returns config.Default.
func (o *Orchestrator) DefaultAECConfig() config.AEC {
	return config.Default()
}

// Permissions returns the permission statuses. Without a checker every
// device type is NotDetermined.
func (o *Orchestrator) Permissions() map[permission.DeviceType]permission.Status {
	if o.deps.Permissions == nil {
		return undetermined()
	}
	return o.deps.Permissions.Permissions()
}

// RequestPermission asks for access to dev and calls done with every status
// once resolved.
func (o *Orchestrator) RequestPermission(dev permission.DeviceType, done func(map[permission.DeviceType]permission.Status)) {
	if o.deps.Permissions == nil {
		if done != nil {
			done(undetermined())
		}
		return
	}
	o.deps.Permissions.Request(dev, done)
}

func undetermined() map[permission.DeviceType]permission.Status {
	m := make(map[permission.DeviceType]permission.Status, len(permission.DeviceTypes))
	for _, d := range permission.DeviceTypes {
		m[d] = permission.NotDetermined
	}
	return m
}

// Stats returns a snapshot of the active session, or an inactive one.
func (o *Orchestrator) Stats() Stats {
	st := Stats{Config: o.CurrentAECConfig()}
	a := o.cur.Load()
	if a == nil {
		return st
	}
	st.Active = a.eng.IsProcessing()
	st.SessionID = a.id
	st.Since = a.since
	st.Engine = a.eng.Stats()
	st.Reference = a.reference()
	if b := a.buf.Load(); b != nil {
		st.ReferenceDelay = b.Delay()
	}
	if f := a.feed.Load(); f != nil {
		fs := f.total()
		st.Feed = &fs
	}
	st.Errors = a.errs.Load()
	if p := a.lastErr.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

// Close stops any session and closes the device backend.
func (o *Orchestrator) Close() error {
	err := o.StopAECCapture()
	if o.deps.Backend != nil {
		if cerr := o.deps.Backend.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}
