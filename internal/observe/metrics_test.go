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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

// sumFor returns the value of the sum data point whose attributes contain
// every key/value in want.
func sumFor(t *testing.T, met *metricdata.Metrics, want ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		match := true
		for _, kv := range want {
			v, ok := dp.Attributes.Value(kv.Key)
			if !ok || v != kv.Value {
				match = false
				break
			}
		}
		if match {
			return dp.Value
		}
	}
	return 0
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
		{"embedgate.pipeline.embed.duration", m.EmbedDuration},
		{"embedgate.pipeline.reduce.duration", m.ReduceDuration},
		{"embedgate.pipeline.normalize.duration", m.NormalizeDuration},
		{"embedgate.gate.wait.duration", m.GateWait},
	}
	for _, tc := range histograms {
		tc.h.Record(ctx, 0.2)
		tc.h.Record(ctx, 3.5)
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
			if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
				t.Errorf("metric %q: want one data point with count 2, got %+v", tc.name, hist.DataPoints)
			}
		})
	}
}

func TestRecordRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRequest(ctx, "socket", "success")
	m.RecordRequest(ctx, "socket", "success")
	m.RecordRequest(ctx, "http", "ServiceBusy")

	met := findMetric(collect(t, reader), "embedgate.requests")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumFor(t, met, Attr("transport", "socket"), Attr("status", "success")); got != 2 {
		t.Errorf("socket/success = %d, want 2", got)
	}
	if got := sumFor(t, met, Attr("transport", "http"), Attr("status", "ServiceBusy")); got != 1 {
		t.Errorf("http/ServiceBusy = %d, want 1", got)
	}
}

func TestRecordGateRejection(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordGateRejection(context.Background(), "http")

	met := findMetric(collect(t, reader), "embedgate.gate.rejections")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumFor(t, met, Attr("transport", "http")); got != 1 {
		t.Errorf("rejections = %d, want 1", got)
	}
}

func TestRecordModelReload(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordModelReload(ctx, "ok", 2.5)
	m.RecordModelReload(ctx, "error", 0.1)

	rm := collect(t, reader)
	reloads := findMetric(rm, "embedgate.model.reloads")
	if reloads == nil {
		t.Fatal("reload counter not found")
	}
	if got := sumFor(t, reloads, Attr("status", "ok")); got != 1 {
		t.Errorf("ok reloads = %d, want 1", got)
	}
	if got := sumFor(t, reloads, Attr("status", "error")); got != 1 {
		t.Errorf("error reloads = %d, want 1", got)
	}
	if findMetric(rm, "embedgate.model.reload.duration") == nil {
		t.Error("reload duration histogram not found")
	}
}

func TestRecordProviderError(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordProviderError(context.Background(), "ollama")

	met := findMetric(collect(t, reader), "embedgate.provider.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumFor(t, met, Attr("provider", "ollama")); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}

func TestInFlightRequests(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.InFlightRequests.Add(ctx, 1)
	m.InFlightRequests.Add(ctx, 1)
	m.InFlightRequests.Add(ctx, -1)

	met := findMetric(collect(t, reader), "embedgate.requests.in_flight")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumFor(t, met); got != 1 {
		t.Errorf("in flight = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
