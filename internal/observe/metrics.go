// Package observe provides application-wide observability primitives for
// koestream: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all koestream metrics.
const meterName = "github.com/nanakusa/koestream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PlaybackDuration tracks voice-channel playback time per utterance.
	PlaybackDuration metric.Float64Histogram

	// SegmentDuration tracks the audio length of finalized speech segments.
	SegmentDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentsEmitted counts finalized speech segments. Use with attribute:
	//   attribute.String("reason", "pause"|"forced")
	SegmentsEmitted metric.Int64Counter

	// SegmentsDiscarded counts segments dropped before the queue. Use with
	// attribute: attribute.String("reason", ...)
	SegmentsDiscarded metric.Int64Counter

	// EventsPushed counts events accepted by the aggregator. Use with
	// attribute: attribute.String("source", "mic"|"comment")
	EventsPushed metric.Int64Counter

	// QueueOverflow counts events evicted by the aggregator's capacity bound.
	QueueOverflow metric.Int64Counter

	// SpeakRequests counts speak calls by outcome. Use with attribute:
	//   attribute.String("outcome", "ok"|"busy"|"blocked"|"failed")
	SpeakRequests metric.Int64Counter

	// CommentReconnects counts comment-relay reconnection attempts.
	CommentReconnects metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of unconsumed events in the aggregator.
	QueueDepth metric.Int64UpDownCounter

	// TurnPlaying is 1 while the voice channel is playing, 0 otherwise.
	TurnPlaying metric.Int64UpDownCounter

	// OverlayClients tracks the number of connected overlay event streams.
	OverlayClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("koestream.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("koestream.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("koestream.playback.duration",
		metric.WithDescription("Voice-channel playback time per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("koestream.segment.duration",
		metric.WithDescription("Audio length of finalized speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsEmitted, err = m.Int64Counter("koestream.segments.emitted",
		metric.WithDescription("Total finalized speech segments by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("koestream.segments.discarded",
		metric.WithDescription("Total segments dropped before reaching the queue, by reason."),
	); err != nil {
		return nil, err
	}
	if met.EventsPushed, err = m.Int64Counter("koestream.events.pushed",
		metric.WithDescription("Total events accepted by the aggregator, by source."),
	); err != nil {
		return nil, err
	}
	if met.QueueOverflow, err = m.Int64Counter("koestream.queue.overflow",
		metric.WithDescription("Total events evicted by the aggregator capacity bound."),
	); err != nil {
		return nil, err
	}
	if met.SpeakRequests, err = m.Int64Counter("koestream.speak.requests",
		metric.WithDescription("Total speak requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CommentReconnects, err = m.Int64Counter("koestream.comments.reconnects",
		metric.WithDescription("Total comment-relay reconnection attempts."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("koestream.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("koestream.queue.depth",
		metric.WithDescription("Number of unconsumed events in the aggregator."),
	); err != nil {
		return nil, err
	}
	if met.TurnPlaying, err = m.Int64UpDownCounter("koestream.turn.playing",
		metric.WithDescription("1 while the voice channel is playing, 0 otherwise."),
	); err != nil {
		return nil, err
	}
	if met.OverlayClients, err = m.Int64UpDownCounter("koestream.overlay.clients",
		metric.WithDescription("Number of connected overlay event streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("koestream.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSegment is a convenience method that records one finalized segment:
// the emitted counter plus its audio length.
func (m *Metrics) RecordSegment(ctx context.Context, reason string, seconds float64) {
	m.SegmentsEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.SegmentDuration.Record(ctx, seconds)
}

// RecordSegmentDiscarded is a convenience method that counts a segment
// dropped before the queue.
func (m *Metrics) RecordSegmentDiscarded(ctx context.Context, reason string) {
	m.SegmentsDiscarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordEventPushed is a convenience method that counts an accepted event.
func (m *Metrics) RecordEventPushed(ctx context.Context, source string) {
	m.EventsPushed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordSpeak is a convenience method that counts a speak request by outcome.
func (m *Metrics) RecordSpeak(ctx context.Context, outcome string) {
	m.SpeakRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
