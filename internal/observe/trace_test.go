package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func globalTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return exp
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID_WithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestEndSpan(t *testing.T) {
	exp := globalTracer(t)

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"ok", nil, codes.Unset},
		{"failed", errors.New("dial refused"), codes.Error},
	}
	for _, tc := range tests {
		exp.Reset()
		ctx, span := StartSpan(context.Background(), "realtime.connect")
		if len(CorrelationID(ctx)) != 32 {
			t.Fatalf("%s: no trace id on started span", tc.name)
		}
		EndSpan(span, tc.err)

		spans := exp.GetSpans()
		if len(spans) != 1 || spans[0].Name != "realtime.connect" {
			t.Fatalf("%s: spans = %v", tc.name, spans)
		}
		if got := spans[0].Status.Code; got != tc.want {
			t.Errorf("%s: status = %v, want %v", tc.name, got, tc.want)
		}
		if tc.err != nil && len(spans[0].Events) == 0 {
			t.Errorf("%s: error not recorded as span event", tc.name)
		}
	}
}

func TestLogger(t *testing.T) {
	globalTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "log")
	defer span.End()
	Logger(WithSession(ctx, "abc-123")).Info("connected")
	Logger(context.Background()).Info("bare")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %q", lines)
	}
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id=", "session_id=abc-123"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("line %q missing %q", lines[0], want)
		}
	}
	if strings.Contains(lines[1], "trace_id") || strings.Contains(lines[1], "session_id") {
		t.Errorf("bare line carries ids: %q", lines[1])
	}
}

func TestSessionID(t *testing.T) {
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(empty) = %q", got)
	}
	if got := SessionID(WithSession(context.Background(), "s-1")); got != "s-1" {
		t.Errorf("SessionID = %q", got)
	}
}
