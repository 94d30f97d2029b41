// Package metrics wires the pipeline's ambient Prometheus instrumentation.
// Its shape is enriched from 99souls-ariadne's telemetry/metrics provider
// (engine/telemetry/metrics/prometheus.go) but simplified to direct
// client_golang collectors since this pipeline has a fixed, known metric
// set rather than ariadne's dynamic registration surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every collector the pipeline emits. Construct one per
// process and pass it down to the components that increment it.
type Registry struct {
	SamplesProcessed   prometheus.Counter
	BatchesProcessed   prometheus.Counter
	FallbackEngagements prometheus.Counter
	WorkerRestarts     prometheus.Counter
	BridgeQueueDepth   prometheus.Gauge
	BridgeDropped      prometheus.Counter
	QualityScore       prometheus.Gauge
	TriangulationTotal prometheus.Counter
	RingEvictions      prometheus.Counter
}

// NewRegistry creates and registers every collector against reg. Passing a
// fresh prometheus.NewRegistry() keeps tests hermetic; passing
// prometheus.DefaultRegisterer wires it into the process-wide /metrics
// endpoint.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		SamplesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evtelemetry_samples_processed_total",
			Help: "Total number of samples run through the Derivation Engine.",
		}),
		BatchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evtelemetry_batches_processed_total",
			Help: "Total number of process_batch requests handled by the worker.",
		}),
		FallbackEngagements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evtelemetry_fallback_engagements_total",
			Help: "Total number of times the Worker Bridge fell back to inline execution.",
		}),
		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evtelemetry_worker_restarts_total",
			Help: "Total number of Processing Worker restarts attempted by the bridge.",
		}),
		BridgeQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evtelemetry_bridge_queue_depth",
			Help: "Current depth of the Worker Bridge's pre-init head-drop queue.",
		}),
		BridgeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evtelemetry_bridge_dropped_total",
			Help: "Total number of messages head-dropped by the Worker Bridge queue.",
		}),
		QualityScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evtelemetry_quality_score",
			Help: "Most recent Quality Analyzer score in [0, 100].",
		}),
		TriangulationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evtelemetry_triangulations_total",
			Help: "Total number of completed session bootstrap triangulations.",
		}),
		RingEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evtelemetry_ring_evictions_total",
			Help: "Total number of Ring Buffer entries evicted on overflow.",
		}),
	}
	for _, c := range []prometheus.Collector{
		r.SamplesProcessed, r.BatchesProcessed, r.FallbackEngagements,
		r.WorkerRestarts, r.BridgeQueueDepth, r.BridgeDropped,
		r.QualityScore, r.TriangulationTotal, r.RingEvictions,
	} {
		reg.MustRegister(c)
	}
	return r
}
