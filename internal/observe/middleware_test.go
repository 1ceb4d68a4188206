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

// newTestTelemetry wires an in-memory meter and tracer for middleware tests
// and restores the global tracer provider on cleanup.
func newTestTelemetry(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
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

// serve runs a single request through the middleware-wrapped handler.
func serve(m *Metrics, h http.HandlerFunc, method, path string) *httptest.ResponseRecorder {
	handler := Middleware(m)(h)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func collectDuration(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return findMetric(rm, "sttmux.http.request.duration")
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := newTestTelemetry(t)

	var gotCID string
	rec := serve(m, func(w http.ResponseWriter, r *http.Request) {
		gotCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, "GET", "/api/providers")

	if len(gotCID) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", gotCID)
	}
	if hdr := rec.Header().Get("X-Correlation-ID"); hdr != gotCID {
		t.Errorf("X-Correlation-ID header = %q, want %q", hdr, gotCID)
	}
}

func TestMiddleware_CreatesSpanPerRequest(t *testing.T) {
	m, _, exp := newTestTelemetry(t)

	serve(m, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, "POST", "/api/jobs/transcribe")

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if want := "HTTP POST /api/jobs/transcribe"; spans[0].Name != want {
		t.Errorf("span name = %q, want %q", spans[0].Name, want)
	}
}

func TestMiddleware_RecordsDurationWithAttributes(t *testing.T) {
	m, reader, _ := newTestTelemetry(t)

	serve(m, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, "GET", "/api/realtime/latency")

	met := collectDuration(t, reader)
	if met == nil {
		t.Fatal("duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("duration metric has no histogram samples")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	want := map[string]string{
		"method": "GET",
		"path":   "/api/realtime/latency",
		"status": "200",
	}
	for _, kv := range dp.Attributes.ToSlice() {
		if exp, ok := want[string(kv.Key)]; ok && kv.Value.Emit() == exp {
			delete(want, string(kv.Key))
		}
	}
	for k, v := range want {
		t.Errorf("missing attribute %s=%s on duration sample", k, v)
	}
}

func TestMiddleware_CapturesStatusCode(t *testing.T) {
	m, _, exp := newTestTelemetry(t)

	rec := serve(m, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such job", http.StatusNotFound)
	}, "GET", "/api/jobs/missing/status")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("response status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
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

func TestMiddleware_SkipsDurationForUpgrades(t *testing.T) {
	m, reader, _ := newTestTelemetry(t)

	serve(m, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	}, "GET", "/ws/stream")

	// Socket lifetime is not request latency; no duration sample expected.
	if met := collectDuration(t, reader); met != nil {
		if hist, ok := met.Data.(metricdata.Histogram[float64]); ok && len(hist.DataPoints) > 0 {
			t.Errorf("recorded %d duration samples for an upgraded request, want 0", len(hist.DataPoints))
		}
	}
}

func TestMiddleware_ExtractsIncomingTraceContext(t *testing.T) {
	m, _, exp := newTestTelemetry(t)
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/api/providers", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("server span trace ID = %s, want %s", got, traceID)
	}
}
