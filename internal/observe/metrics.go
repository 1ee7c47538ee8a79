// Package observe provides application-wide observability primitives for
// embedgate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider], which also returns the /metrics handler. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all embedgate metrics.
const meterName = "github.com/MrWong99/embedgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Pipeline stage latency ---

	// EmbedDuration tracks the batched embed call, including a reload the
	// call may trigger.
	EmbedDuration metric.Float64Histogram

	// ReduceDuration tracks the dimensionality reduction of a batch.
	ReduceDuration metric.Float64Histogram

	// NormalizeDuration tracks L2 normalisation of a batch.
	NormalizeDuration metric.Float64Histogram

	// --- Requests ---

	// Requests counts finished requests. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("status", ...)
	Requests metric.Int64Counter

	// RecordsEmbedded counts records that went through the embed stage.
	RecordsEmbedded metric.Int64Counter

	// InFlightRequests tracks requests waiting for or holding the gate.
	InFlightRequests metric.Int64UpDownCounter

	// --- Admission gate ---

	// GateWait tracks how long requests waited for the processing slot.
	GateWait metric.Float64Histogram

	// GateRejections counts requests rejected as busy. Use with attribute:
	//   attribute.String("transport", ...)
	GateRejections metric.Int64Counter

	// --- Model lifecycle ---

	// ModelReloads counts model handle reconstructions. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ModelReloads metric.Int64Counter

	// ModelReloadDuration tracks how long a reconstruction took.
	ModelReloadDuration metric.Float64Histogram

	// ProviderErrors counts failed backend calls. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, by method,
	// path and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Model
// loads take seconds, so the upper end goes well past request latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.EmbedDuration, err = histogram("embedgate.pipeline.embed.duration",
		"Latency of the batched embed call."); err != nil {
		return nil, err
	}
	if met.ReduceDuration, err = histogram("embedgate.pipeline.reduce.duration",
		"Latency of dimensionality reduction per batch."); err != nil {
		return nil, err
	}
	if met.NormalizeDuration, err = histogram("embedgate.pipeline.normalize.duration",
		"Latency of L2 normalisation per batch."); err != nil {
		return nil, err
	}
	if met.GateWait, err = histogram("embedgate.gate.wait.duration",
		"Time spent waiting for the admission gate."); err != nil {
		return nil, err
	}
	if met.ModelReloadDuration, err = histogram("embedgate.model.reload.duration",
		"Duration of model handle reconstruction."); err != nil {
		return nil, err
	}

	if met.Requests, err = m.Int64Counter("embedgate.requests",
		metric.WithDescription("Total embedding requests by transport and status."),
	); err != nil {
		return nil, err
	}
	if met.RecordsEmbedded, err = m.Int64Counter("embedgate.records.embedded",
		metric.WithDescription("Total records passed through the embed stage."),
	); err != nil {
		return nil, err
	}
	if met.GateRejections, err = m.Int64Counter("embedgate.gate.rejections",
		metric.WithDescription("Total requests rejected because the service was busy."),
	); err != nil {
		return nil, err
	}
	if met.ModelReloads, err = m.Int64Counter("embedgate.model.reloads",
		metric.WithDescription("Total model handle reconstructions by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("embedgate.provider.errors",
		metric.WithDescription("Total embedding backend errors by provider."),
	); err != nil {
		return nil, err
	}

	if met.InFlightRequests, err = m.Int64UpDownCounter("embedgate.requests.in_flight",
		metric.WithDescription("Requests currently waiting for or holding the admission gate."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("embedgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordRequest counts one finished request.
func (m *Metrics) RecordRequest(ctx context.Context, transport, status string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("status", status),
		),
	)
}

// RecordGateRejection counts one busy rejection.
func (m *Metrics) RecordGateRejection(ctx context.Context, transport string) {
	m.GateRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
}

// RecordModelReload counts one reconstruction and records its duration.
func (m *Metrics) RecordModelReload(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ModelReloads.Add(ctx, 1, attrs)
	m.ModelReloadDuration.Record(ctx, seconds, attrs)
}

// RecordProviderError counts one failed backend call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
