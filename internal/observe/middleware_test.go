package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// middlewareSetup creates metrics and tracing infrastructure for middleware
// tests, restoring the global tracer provider on cleanup.
func middlewareSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func serveThrough(t *testing.T, m *Metrics, path string, h http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	handler := Middleware(m)(h)
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareSetsCorrelationID(t *testing.T) {
	m, _, _ := middlewareSetup(t)

	var cid string
	rec := serveThrough(t, m, "/api/chat/stats", func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	if len(cid) != 32 {
		t.Errorf("correlation ID = %q, want a 32-char trace id", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, cid)
	}
}

func TestMiddlewareCreatesSpanWithStatus(t *testing.T) {
	m, _, exp := middlewareSetup(t)

	serveThrough(t, m, "/api/tools", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	if spans[0].Name != "HTTP GET /api/tools" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddlewareRecordsDuration(t *testing.T) {
	m, reader, _ := middlewareSetup(t)

	serveThrough(t, m, "/ws", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rm := collect(t, reader)
	met := findMetric(rm, "renfield.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	foundPath := false
	for _, kv := range dp.Attributes.ToSlice() {
		if string(kv.Key) == "path" && kv.Value.AsString() == "/ws" {
			foundPath = true
		}
	}
	if !foundPath {
		t.Error("missing path attribute")
	}
}

func TestMiddlewarePropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := middlewareSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/api/chat/stats", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, traceID)
	}
}
