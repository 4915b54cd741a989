package diag

import (
	"context"
	"log/slog"
	"time"

	"bken/aecd/internal/capture"
	"bken/aecd/internal/session"
)

// DefaultInterval is the reporting period when none is configured.
const DefaultInterval = 5 * time.Second

// StatsSource is polled once per interval. *session.Orchestrator
// implements it.
type StatsSource interface {
	Stats() session.Stats
}

// Publisher ships reports somewhere outside the process.
type Publisher interface {
	Publish(ctx context.Context, rep Report) error
}

// Delta is the counter growth since the previous report.
type Delta struct {
	Blocks         uint64 `json:"blocks"`
	PassThrough    uint64 `json:"pass_through"`
	ReferenceShort uint64 `json:"reference_short"`
	Overwritten    uint64 `json:"overwritten"`
	Resynced       uint64 `json:"resyncs"`
	Underruns      uint64 `json:"underruns"`
	DoubleTalk     uint64 `json:"double_talk"`
	Errors         uint64 `json:"errors"`

	// Far-end feed; zero without a remote reference.
	FeedReconnects   uint64 `json:"feed_reconnects"`
	FeedMalformed    uint64 `json:"feed_malformed"`
	FeedDecodeErrors uint64 `json:"feed_decode_errors"`
	FeedLate         uint64 `json:"feed_late"`
	FeedConcealed    uint64 `json:"feed_concealed"`
}

// IsZero reports whether nothing changed.
func (d Delta) IsZero() bool { return d == Delta{} }

// Report is one reporting period.
type Report struct {
	Time    time.Time     `json:"time"`
	Session session.Stats `json:"session"`
	Delta   Delta         `json:"delta"`
	Started bool          `json:"started,omitempty"` // a session began since the previous report
	Ended   bool          `json:"ended,omitempty"`   // the previous session is gone
}

// Reporter polls a StatsSource, logs what changed and feeds Metrics and an
// optional Publisher.
type Reporter struct {
	src      StatsSource
	metrics  *Metrics
	pub      Publisher
	interval time.Duration

	last    session.Stats
	lastErr string
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithMetrics records every report on m.
func WithMetrics(m *Metrics) ReporterOption {
	return func(r *Reporter) { r.metrics = m }
}

// WithPublisher publishes every report that carries activity.
func WithPublisher(p Publisher) ReporterOption {
	return func(r *Reporter) { r.pub = p }
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewReporter returns a Reporter polling src.
func NewReporter(src StatsSource, opts ...ReporterOption) *Reporter {
	r := &Reporter{src: src, interval: DefaultInterval}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run reports every interval until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.Tick(ctx, now)
		}
	}
}

// Tick takes one sample and returns the resulting report.
func (r *Reporter) Tick(ctx context.Context, now time.Time) Report {
	cur := r.src.Stats()
	rep := Report{Time: now, Session: cur}

	// Since identifies a session: it is set whether or not a journal
	// assigned an ID.
	prevID, curID := r.last.SessionID, cur.SessionID
	prevLive, curLive := !r.last.Since.IsZero(), !cur.Since.IsZero()
	switch {
	case curLive && (!prevLive || !cur.Since.Equal(r.last.Since)):
		rep.Started = true
		rep.Ended = prevLive
	case !curLive && prevLive:
		rep.Ended = true
	}

	base := r.last
	if rep.Started {
		base = session.Stats{}
	}
	if curLive {
		rep.Delta = delta(base, cur)
	}
	r.last = cur

	if rep.Started {
		slog.Info("diag: session started", "session_id", curID)
	}
	if rep.Ended && !rep.Started {
		slog.Info("diag: session ended", "session_id", prevID)
	}
	if curLive && !rep.Delta.IsZero() {
		secs := r.interval.Seconds()
		slog.Info("diag: aec",
			"state", cur.Engine.State,
			"blocks", rep.Delta.Blocks,
			"blocks_per_sec", float64(rep.Delta.Blocks)/secs,
			"pass_through", rep.Delta.PassThrough,
			"reference_short", rep.Delta.ReferenceShort,
			"overwritten", rep.Delta.Overwritten,
			"resyncs", rep.Delta.Resynced,
			"buffered", cur.Reference.Buffered,
			"double_talk", rep.Delta.DoubleTalk,
			"errors", rep.Delta.Errors)
	}
	if f := cur.Feed; curLive && f != nil {
		d := rep.Delta
		if d.FeedReconnects+d.FeedMalformed+d.FeedDecodeErrors+d.FeedLate+d.FeedConcealed > 0 {
			slog.Info("diag: feed",
				"connected", f.Connected,
				"senders", f.Jitter.Senders,
				"reconnects", d.FeedReconnects,
				"malformed", d.FeedMalformed,
				"decode_errors", d.FeedDecodeErrors,
				"late", d.FeedLate,
				"concealed", d.FeedConcealed)
		}
	}
	if cur.LastError != "" && cur.LastError != r.lastErr {
		slog.Warn("diag: audio loop error", "err", cur.LastError, "total", cur.Errors)
	}
	r.lastErr = cur.LastError

	if r.metrics != nil {
		r.metrics.Record(ctx, rep)
	}
	if r.pub != nil && (curLive || rep.Ended) {
		if err := r.pub.Publish(ctx, rep); err != nil {
			slog.Warn("diag: publish report", "err", err)
		}
	}
	return rep
}

// sub returns b-a, or b when the counter went backwards because the
// session was replaced.
func sub(a, b uint64) uint64 {
	if b < a {
		return b
	}
	return b - a
}

func feedOf(st session.Stats) capture.RemoteStats {
	if st.Feed == nil {
		return capture.RemoteStats{}
	}
	return *st.Feed
}

func delta(prev, cur session.Stats) Delta {
	pf, cf := feedOf(prev), feedOf(cur)
	return Delta{
		Blocks:         sub(prev.Engine.Blocks, cur.Engine.Blocks),
		PassThrough:    sub(prev.Engine.PassThrough, cur.Engine.PassThrough),
		ReferenceShort: sub(prev.Engine.ReferenceShort, cur.Engine.ReferenceShort),
		Overwritten:    sub(prev.Reference.Overwritten, cur.Reference.Overwritten),
		Resynced:       sub(prev.Reference.Resyncs, cur.Reference.Resyncs),
		Underruns:      sub(prev.Reference.Underruns, cur.Reference.Underruns),
		DoubleTalk:     sub(prev.Engine.DoubleTalk, cur.Engine.DoubleTalk),
		Errors:         sub(prev.Errors, cur.Errors),

		FeedReconnects:   sub(pf.Reconnects, cf.Reconnects),
		FeedMalformed:    sub(pf.Malformed, cf.Malformed),
		FeedDecodeErrors: sub(pf.DecodeErrors, cf.DecodeErrors),
		FeedLate:         sub(pf.Jitter.Late, cf.Jitter.Late),
		FeedConcealed:    sub(pf.Jitter.Missing, cf.Jitter.Missing),
	}
}
