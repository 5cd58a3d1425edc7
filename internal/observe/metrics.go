// Package observe provides application-wide observability primitives for
// callscribe: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callscribe metrics.
const meterName = "github.com/MrWong99/callscribe"

// Drop stages and reasons for [Metrics.RecordDrop].
const (
	StageVAD     = "vad"
	StageDiarize = "diarize"
	StageDecode  = "decode"

	ReasonTooShort   = "too_short"
	ReasonError      = "error"
	ReasonEmptyText  = "empty_text"
	ReasonClassifier = "classifier_error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// FeaturesDuration tracks log-mel feature extraction per chunk.
	FeaturesDuration metric.Float64Histogram

	// VADDuration tracks voice-activity segmentation of a whole recording.
	VADDuration metric.Float64Histogram

	// EmbeddingDuration tracks speaker embedding extraction per segment.
	EmbeddingDuration metric.Float64Histogram

	// DecodeDuration tracks acoustic decoding per segment. Use with attribute:
	//   attribute.String("decoder", ...)
	DecodeDuration metric.Float64Histogram

	// TranscribeDuration tracks end-to-end transcription of a recording.
	TranscribeDuration metric.Float64Histogram

	// --- Counters ---

	// ModelCalls counts inference session calls. Use with attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	ModelCalls metric.Int64Counter

	// SegmentsDropped counts speech segments removed from the output. Use
	// with attributes:
	//   attribute.String("stage", ...), attribute.String("reason", ...)
	SegmentsDropped metric.Int64Counter

	// Chunks counts decoder chunks. Use with attribute:
	//   attribute.String("decoder", ...)
	Chunks metric.Int64Counter

	// --- Gauges ---

	// ActiveRecordings tracks the number of recordings being transcribed.
	ActiveRecordings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// single model calls up to long recordings.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.FeaturesDuration, "callscribe.features.duration", "Latency of log-mel feature extraction per chunk."},
		{&met.VADDuration, "callscribe.vad.duration", "Latency of voice-activity segmentation per recording."},
		{&met.EmbeddingDuration, "callscribe.embedding.duration", "Latency of speaker embedding extraction per segment."},
		{&met.DecodeDuration, "callscribe.decode.duration", "Latency of acoustic decoding per segment."},
		{&met.TranscribeDuration, "callscribe.transcribe.duration", "End-to-end transcription latency per recording."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	// Counters.
	if met.ModelCalls, err = m.Int64Counter("callscribe.model.calls",
		metric.WithDescription("Total inference session calls by model and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("callscribe.segments.dropped",
		metric.WithDescription("Speech segments dropped from the transcript by stage and reason."),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("callscribe.chunks",
		metric.WithDescription("Audio chunks processed by decoder."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRecordings, err = m.Int64UpDownCounter("callscribe.active_recordings",
		metric.WithDescription("Number of recordings currently being transcribed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordModelCall records one inference call. Its signature matches
// inference.CallObserver so it can be installed on lazy sessions directly.
func (m *Metrics) RecordModelCall(ctx context.Context, model, status string, _ time.Duration) {
	m.ModelCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordDrop records a speech segment dropped at stage for reason.
func (m *Metrics) RecordDrop(ctx context.Context, stage, reason string) {
	m.SegmentsDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("reason", reason),
		),
	)
}

// RecordChunk records one chunk processed by decoder. Its signature matches
// stt.ChunkHook.
func (m *Metrics) RecordChunk(ctx context.Context, decoder string) {
	m.Chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("decoder", decoder)))
}

// RecordDecode records the latency of one segment decode.
func (m *Metrics) RecordDecode(ctx context.Context, decoder string, d time.Duration) {
	m.DecodeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("decoder", decoder)))
}
