package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationIDEmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestCorrelationIDIsTraceID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "turn")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID length = %d, want 32", len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q contains non-hex characters", cid)
	}
}

func TestStartSpanUsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	ctx, span := StartSpan(context.Background(), "dispatch tool")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not create a span with a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "dispatch tool" {
		t.Errorf("recorded spans = %+v", spans)
	}
}

func TestLoggerCarriesTraceFields(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "turn")
	defer span.End()

	Logger(ctx).Info("turn started")
	logged := buf.String()
	if !strings.Contains(logged, "trace_id=") || !strings.Contains(logged, "span_id=") {
		t.Errorf("log output missing trace fields: %s", logged)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log output should not contain trace_id: %s", buf.String())
	}
}
