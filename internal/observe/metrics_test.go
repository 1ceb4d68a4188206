package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"sttmux.transcript.latency", m.TranscriptLatency},
		{"sttmux.batch.processing.duration", m.BatchProcessing},
		{"sttmux.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestProviderFailuresCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderFailure(ctx, "fake", "wire")
	m.RecordProviderFailure(ctx, "fake", "wire")
	m.RecordProviderFailure(ctx, "fake", "timeout")

	rm := collect(t, reader)
	met := findMetric(rm, "sttmux.provider.failures")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data point count = %d, want 2 (one per attribute set)", len(sum.DataPoints))
	}

	// Find the data point with reason=wire.
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "reason" && kv.Value.AsString() == "wire" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with reason=wire not found")
}

func TestRecordTranscript(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscript(ctx, "fake", true, 250)
	m.RecordTranscript(ctx, "fake", false, -1)

	rm := collect(t, reader)

	met := findMetric(rm, "sttmux.transcripts")
	if met == nil {
		t.Fatal("transcripts metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("transcripts metric is not a sum")
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("transcripts total = %d, want 2", total)
	}

	lat := findMetric(rm, "sttmux.transcript.latency")
	if lat == nil {
		t.Fatal("latency metric not found")
	}
	hist, ok := lat.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("latency metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("latency data point count = %d, want 1", len(hist.DataPoints))
	}
	// The negative-latency call must not be recorded.
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("latency sample count = %d, want 1", got)
	}
	if got := hist.DataPoints[0].Sum; got != 0.25 {
		t.Errorf("latency sum = %v, want 0.25 (seconds)", got)
	}
}

func TestRecordBatchFile(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBatchFile(ctx, "fake", "ok", 1.5)
	m.RecordBatchFile(ctx, "fake", "error", 0)

	rm := collect(t, reader)

	met := findMetric(rm, "sttmux.batch.files")
	if met == nil {
		t.Fatal("batch files metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("batch files metric is not a sum")
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("batch files total = %d, want 2", total)
	}

	proc := findMetric(rm, "sttmux.batch.processing.duration")
	if proc == nil {
		t.Fatal("batch processing metric not found")
	}
	hist, ok := proc.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("batch processing metric is not a histogram")
	}
	// The zero-duration call must not be recorded.
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("processing sample count = %d, want 1", got)
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 2)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "sttmux.sessions.active")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestFramesCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesIngested.Add(ctx, 3, metric.WithAttributes(attribute.String("path", "pcm")))
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", "fake")))

	rm := collect(t, reader)
	for _, name := range []string{"sttmux.audio.frames", "sttmux.audio.frames_dropped"} {
		if findMetric(rm, name) == nil {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}

func TestAttr(t *testing.T) {
	kv := Attr("mode", "compare")
	if kv.Key != "mode" || kv.Value.AsString() != "compare" {
		t.Errorf("Attr = %v, want mode=compare", kv)
	}
}
