package observe

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
)

// CorrelationHeader carries the request's trace id back to the caller.
const CorrelationHeader = "X-Correlation-ID"

// Middleware wraps a handler with a server span (W3C trace context is
// honoured when present), the X-Correlation-ID response header, a latency
// sample on [Metrics.HTTPRequestDuration] and an access log line.
//
// Websocket upgrades are logged at debug level; their duration is the
// lifetime of the stream.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		measured := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set(CorrelationHeader, cid)
			}

			stats := httpsnoop.CaptureMetrics(next, w, r)
			status := stats.Code
			upgrade := r.Header.Get("Upgrade") != ""
			if upgrade && stats.Written == 0 && status == http.StatusOK {
				status = http.StatusSwitchingProtocols
			}

			m.HTTPRequestDuration.Record(ctx, stats.Duration.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
				attribute.String("status", strconv.Itoa(status)),
			))

			level := slog.LevelInfo
			if upgrade {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("bytes", stats.Written),
				slog.Duration("duration", stats.Duration),
			)
		})

		return otelhttp.NewHandler(measured, "http",
			otelhttp.WithPropagators(propagation.TraceContext{}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "HTTP " + r.Method + " " + r.URL.Path
			}),
		)
	}
}
