package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UploadsCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "formatter_uploads_created_total", Help: "Upload credentials issued"})
	JobsDispatched    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "formatter_jobs_dispatched_total", Help: "Pipeline runs handed to a dispatcher"}, []string{"mode"})
	JobsCompleted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "formatter_jobs_completed_total", Help: "Pipeline runs that produced a formatted document"}, []string{"backend"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "formatter_jobs_failed_total", Help: "Pipeline runs that ended failed, by error kind"}, []string{"kind"})
	PipelineDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "formatter_pipeline_duration_seconds", Help: "Wall-clock duration of pipeline runs", Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300}}, []string{"strategy"})
	PipelineInFlight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "formatter_pipeline_inflight", Help: "Pipeline runs currently executing in this process"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "formatter_dispatch_queue_depth", Help: "Runs waiting in the dispatch queue"})
	LeasesReaped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "formatter_leases_reaped_total", Help: "Runs failed after their queue lease expired"})
	RateLimitRejects  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "formatter_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"}, []string{"action"})
	EngineCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "formatter_engine_call_seconds", Help: "Latency of transformation engine calls", Buckets: prometheus.DefBuckets}, []string{"backend"})
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			UploadsCreated,
			JobsDispatched,
			JobsCompleted,
			JobsFailed,
			PipelineDuration,
			PipelineInFlight,
			QueueDepthGauge,
			LeasesReaped,
			RateLimitRejects,
			EngineCallLatency,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
