// Package observe provides application-wide observability primitives for
// sarathi: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all sarathi metrics.
const meterName = "github.com/MrWong99/sarathi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks how long each turn state took. Use with
	// attribute.String("stage", ...).
	StageDuration metric.Float64Histogram

	// LLMDuration tracks completion latency.
	LLMDuration metric.Float64Histogram

	// EmbedDuration tracks embedding latency.
	EmbedDuration metric.Float64Histogram

	// RetrievalDuration tracks end-to-end context retrieval latency.
	RetrievalDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// RouteDecisions counts routed messages by persona and reason.
	RouteDecisions metric.Int64Counter

	// DegradedTurns counts turns answered with a fallback or without
	// grounding. Use with attributes persona and cause.
	DegradedTurns metric.Int64Counter

	// EmbeddingFallbacks counts embeddings served by a fallback provider.
	EmbeddingFallbacks metric.Int64Counter

	// StoreOps counts vector store operations by collection, op and status.
	StoreOps metric.Int64Counter

	// ConsolidationPruned counts entries removed by consolidation.
	ConsolidationPruned metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks API request latency, labelled with method,
	// route pattern and status class ("2xx", "4xx", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// sub-10ms store lookups up to slow LLM completions.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.StageDuration, "sarathi.turn.stage.duration", "Latency of each turn state."},
		{&met.LLMDuration, "sarathi.llm.duration", "Latency of LLM completions."},
		{&met.EmbedDuration, "sarathi.embed.duration", "Latency of embedding calls."},
		{&met.RetrievalDuration, "sarathi.retrieval.duration", "Latency of context retrieval."},
		{&met.TTSDuration, "sarathi.tts.duration", "Latency of text-to-speech synthesis."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "sarathi.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.RouteDecisions, "sarathi.route.decisions", "Routed messages by persona and reason."},
		{&met.DegradedTurns, "sarathi.turns.degraded", "Turns answered in degraded mode by persona and cause."},
		{&met.EmbeddingFallbacks, "sarathi.embed.fallbacks", "Embeddings served by a fallback provider."},
		{&met.StoreOps, "sarathi.store.operations", "Vector store operations by collection, op, and status."},
		{&met.ConsolidationPruned, "sarathi.consolidation.pruned", "Entries pruned by memory consolidation."},
		{&met.ProviderErrors, "sarathi.provider.errors", "Total provider errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("sarathi.http.request.duration",
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

// Status maps an error onto the "status" attribute value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordStage records the duration of one turn state.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordRoute records a routing decision.
func (m *Metrics) RecordRoute(ctx context.Context, persona, reason string) {
	m.RouteDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("persona", persona),
			attribute.String("reason", reason),
		),
	)
}

// RecordDegraded records a degraded turn. cause is "completion",
// "retrieval" or "persistence".
func (m *Metrics) RecordDegraded(ctx context.Context, persona, cause string) {
	m.DegradedTurns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("persona", persona),
			attribute.String("cause", cause),
		),
	)
}

// RecordStoreOp records one vector store operation.
func (m *Metrics) RecordStoreOp(ctx context.Context, collection, op string, err error) {
	m.StoreOps.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("collection", collection),
			attribute.String("op", op),
			attribute.String("status", Status(err)),
		),
	)
}
