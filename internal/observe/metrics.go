// Package observe provides application-wide observability primitives for
// Orbit: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Orbit metrics.
const meterName = "github.com/MrWong99/orbit"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// FramesCaptured counts frames emitted by the capture engine.
	FramesCaptured metric.Int64Counter

	// CaptureErrors counts capture failures. Use with attribute:
	//   attribute.String("kind", ...)  // "permission", "device", "no_audio_track"
	CaptureErrors metric.Int64Counter

	// ActiveCaptures tracks running capture sessions (0 or 1 per engine).
	ActiveCaptures metric.Int64UpDownCounter

	// --- Realtime session ---

	// FramesSent counts frames written to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames rejected because the outbound queue was full.
	FramesDropped metric.Int64Counter

	// ConnectDuration tracks how long Connect took, success or failure.
	ConnectDuration metric.Float64Histogram

	// StateTransitions counts realtime state changes. Use with attribute:
	//   attribute.String("state", ...)
	StateTransitions metric.Int64Counter

	// TransportEvents counts inbound events. Use with attribute:
	//   attribute.String("kind", ...)
	TransportEvents metric.Int64Counter

	// --- Transcript ---

	// TurnsOpened counts new conversation turns. Use with attribute:
	//   attribute.String("role", ...)
	TurnsOpened metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path and status.
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets are histogram boundaries (seconds) for session setup.
var connectBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

// NewMetrics creates every instrument on mp. The error joins all instrument
// failures.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	seconds := func(name, desc string, bounds ...float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(bounds) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}

	m := &Metrics{
		FramesCaptured:   counter("orbit.capture.frames", "Total audio frames emitted by the capture engine."),
		CaptureErrors:    counter("orbit.capture.errors", "Total capture failures by kind."),
		FramesSent:       counter("orbit.realtime.frames_sent", "Total audio frames written to the transport."),
		FramesDropped:    counter("orbit.realtime.frames_dropped", "Total audio frames dropped on a full outbound queue."),
		StateTransitions: counter("orbit.realtime.state_transitions", "Total realtime connection state changes by target state."),
		TransportEvents:  counter("orbit.realtime.events", "Total inbound transport events by kind."),
		TurnsOpened:      counter("orbit.transcript.turns", "Total conversation turns opened by role."),

		ConnectDuration:     seconds("orbit.realtime.connect.duration", "Latency of opening a realtime session.", connectBuckets...),
		HTTPRequestDuration: seconds("orbit.http.request.duration", "HTTP request latency by method, path and status."),
	}

	var err error
	m.ActiveCaptures, err = meter.Int64UpDownCounter("orbit.capture.active",
		metric.WithDescription("Number of running capture sessions."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
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

// RecordCaptureError records a capture failure of the given kind.
func (m *Metrics) RecordCaptureError(ctx context.Context, kind string) {
	m.CaptureErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordStateTransition records a realtime state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, state string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordTransportEvent records one inbound event.
func (m *Metrics) RecordTransportEvent(ctx context.Context, kind string) {
	m.TransportEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTurnOpened records a new conversation turn.
func (m *Metrics) RecordTurnOpened(ctx context.Context, role string) {
	m.TurnsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
