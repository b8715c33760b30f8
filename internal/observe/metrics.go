// Package observe provides observability primitives for voicecall:
// OpenTelemetry metrics, tracing helpers, trace-aware logging, and HTTP
// middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]. [DefaultMetrics] returns a process-wide
// instance bound to the global meter provider; tests should use [NewMetrics]
// with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicecall metrics.
const meterName = "github.com/MrWong99/voicecall"

// Metrics holds all OpenTelemetry instruments for the application. All fields
// are safe for concurrent use.
type Metrics struct {
	// --- Histograms ---

	// CallDuration tracks the length of finished calls.
	CallDuration metric.Float64Histogram

	// ConnectDuration tracks credential fetch + dial + config handshake time.
	ConnectDuration metric.Float64Histogram

	// RemoteLatency tracks latency samples reported by the voice service.
	RemoteLatency metric.Float64Histogram

	// --- Counters ---

	// Calls counts finished calls. Attribute: attribute.String("reason", ...)
	Calls metric.Int64Counter

	// Reconnects counts scheduled reconnection attempts.
	Reconnects metric.Int64Counter

	// FramesSent counts outbound audio frames written to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames that were not delivered. Attributes:
	//   attribute.String("direction", "outbound"|"inbound"), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// TransportErrors counts error events. Attribute: attribute.String("kind", ...)
	TransportErrors metric.Int64Counter

	// QuotaRejections counts calls refused because the daily quota is used up.
	QuotaRejections metric.Int64Counter

	// Summaries counts summarisation requests. Attribute: attribute.String("status", ...)
	Summaries metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines call duration bucket boundaries in seconds.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallDuration, err = m.Float64Histogram("voicecall.call.duration",
		metric.WithDescription("Duration of finished calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voicecall.transport.connect.duration",
		metric.WithDescription("Time from connect attempt to session configured."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RemoteLatency, err = m.Float64Histogram("voicecall.remote.latency",
		metric.WithDescription("Latency samples reported by the voice service."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Calls, err = m.Int64Counter("voicecall.calls",
		metric.WithDescription("Finished calls by end reason."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voicecall.transport.reconnects",
		metric.WithDescription("Scheduled reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voicecall.frames.sent",
		metric.WithDescription("Outbound audio frames written to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicecall.frames.dropped",
		metric.WithDescription("Audio frames dropped by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voicecall.transport.errors",
		metric.WithDescription("Transport error events by kind."),
	); err != nil {
		return nil, err
	}
	if met.QuotaRejections, err = m.Int64Counter("voicecall.quota.rejections",
		metric.WithDescription("Calls refused because the daily quota is exhausted."),
	); err != nil {
		return nil, err
	}
	if met.Summaries, err = m.Int64Counter("voicecall.summaries",
		metric.WithDescription("Post-call summarisation requests by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("voicecall.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voicecall.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCall records a finished call and its duration in seconds.
func (m *Metrics) RecordCall(ctx context.Context, reason string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.Calls.Add(ctx, 1, attrs)
	m.CallDuration.Record(ctx, seconds, attrs)
}

// RecordDropped records n dropped frames.
func (m *Metrics) RecordDropped(ctx context.Context, direction, reason string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordTransportError records one error event of the given kind.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSummary records one summarisation request outcome.
func (m *Metrics) RecordSummary(ctx context.Context, status string) {
	m.Summaries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
