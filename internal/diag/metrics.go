// Package diag reports on the running echo-cancellation session: periodic
// log lines, OpenTelemetry instruments scraped through a Prometheus
// exporter, and optional JSON reports published to NATS.
package diag

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "bken/aecd"

// Metrics holds the instruments fed by the Reporter. Tests should build it
// with NewMetrics over a provider with a ManualReader.
type Metrics struct {
	// Blocks counts microphone blocks processed by the real-time loop.
	Blocks metric.Int64Counter

	// PassThrough counts blocks delivered unprocessed after an acoustic
	// engine failure.
	PassThrough metric.Int64Counter

	// ReferenceShort counts blocks whose reference was padded with silence.
	ReferenceShort metric.Int64Counter

	// ReferenceDropped counts reference samples lost to overflow. Use with
	// attribute.String("cause", "overwritten"|"resync").
	ReferenceDropped metric.Int64Counter

	// DoubleTalk counts blocks in which echo adaptation was frozen.
	DoubleTalk metric.Int64Counter

	// Errors counts failures reported by the real-time loop.
	Errors metric.Int64Counter

	// FeedReconnects counts far-end feed reconnects.
	FeedReconnects metric.Int64Counter

	// FeedDropped counts far-end packets thrown away. Use with
	// attribute.String("cause", "malformed"|"decode"|"late").
	FeedDropped metric.Int64Counter

	// FeedConcealed counts far-end frames filled by loss concealment.
	FeedConcealed metric.Int64Counter

	// ActiveSessions is 1 while a capture session runs.
	ActiveSessions metric.Int64UpDownCounter

	// ReferenceBuffered is the reference buffer fill level in samples.
	ReferenceBuffered metric.Int64Gauge
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Blocks, err = m.Int64Counter("aecd.blocks",
		metric.WithDescription("Microphone blocks processed by the audio loop."),
	); err != nil {
		return nil, err
	}
	if met.PassThrough, err = m.Int64Counter("aecd.pass_through",
		metric.WithDescription("Blocks passed through unprocessed after an acoustic engine failure."),
	); err != nil {
		return nil, err
	}
	if met.ReferenceShort, err = m.Int64Counter("aecd.reference.short_blocks",
		metric.WithDescription("Blocks whose reference was padded with silence."),
	); err != nil {
		return nil, err
	}
	if met.ReferenceDropped, err = m.Int64Counter("aecd.reference.dropped",
		metric.WithDescription("Reference samples discarded by overflow or drift resync."),
		metric.WithUnit("{sample}"),
	); err != nil {
		return nil, err
	}
	if met.DoubleTalk, err = m.Int64Counter("aecd.double_talk_blocks",
		metric.WithDescription("Blocks in which echo adaptation was frozen by double talk."),
	); err != nil {
		return nil, err
	}
	if met.FeedReconnects, err = m.Int64Counter("aecd.feed.reconnects",
		metric.WithDescription("Far-end feed reconnects."),
	); err != nil {
		return nil, err
	}
	if met.FeedDropped, err = m.Int64Counter("aecd.feed.packets.dropped",
		metric.WithDescription("Far-end packets discarded as malformed, undecodable or late."),
		metric.WithUnit("{packet}"),
	); err != nil {
		return nil, err
	}
	if met.FeedConcealed, err = m.Int64Counter("aecd.feed.concealed",
		metric.WithDescription("Far-end frames synthesized by loss concealment."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("aecd.errors",
		metric.WithDescription("Failures reported by the audio loop."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("aecd.active_sessions",
		metric.WithDescription("Capture sessions currently running."),
	); err != nil {
		return nil, err
	}
	if met.ReferenceBuffered, err = m.Int64Gauge("aecd.reference.buffered",
		metric.WithDescription("Reference samples waiting in the frame buffer."),
		metric.WithUnit("{sample}"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Record adds one report's deltas to the instruments.
func (m *Metrics) Record(ctx context.Context, rep Report) {
	d := rep.Delta
	add := func(c metric.Int64Counter, n uint64, opts ...metric.AddOption) {
		if n > 0 {
			c.Add(ctx, int64(n), opts...)
		}
	}
	add(m.Blocks, d.Blocks)
	add(m.PassThrough, d.PassThrough)
	add(m.ReferenceShort, d.ReferenceShort)
	add(m.ReferenceDropped, d.Overwritten, metric.WithAttributes(attribute.String("cause", "overwritten")))
	add(m.ReferenceDropped, d.Resynced, metric.WithAttributes(attribute.String("cause", "resync")))
	add(m.DoubleTalk, d.DoubleTalk)
	add(m.Errors, d.Errors)
	add(m.FeedReconnects, d.FeedReconnects)
	add(m.FeedDropped, d.FeedMalformed, metric.WithAttributes(attribute.String("cause", "malformed")))
	add(m.FeedDropped, d.FeedDecodeErrors, metric.WithAttributes(attribute.String("cause", "decode")))
	add(m.FeedDropped, d.FeedLate, metric.WithAttributes(attribute.String("cause", "late")))
	add(m.FeedConcealed, d.FeedConcealed)

	if rep.Started {
		m.ActiveSessions.Add(ctx, 1)
	}
	if rep.Ended {
		m.ActiveSessions.Add(ctx, -1)
	}
	m.ReferenceBuffered.Record(ctx, int64(rep.Session.Reference.Buffered))
}
