package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	IntakeCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pitch_submissions_total", Help: "Form submissions accepted"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pitch_rate_limit_rejects_total", Help: "Operations denied by the rate limiter"})
	BreakerRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pitch_breaker_rejects_total", Help: "Calls denied by an open circuit breaker"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pitch_queue_depth", Help: "Jobs eligible to run at last processor invocation"})

	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pitch_jobs_processed_total", Help: "Jobs processed by type and outcome",
	}, []string{"type", "outcome"})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pitch_job_duration_seconds",
		Help:    "Handler execution time by type and outcome",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"type", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			IntakeCounter,
			RateLimitRejects,
			BreakerRejects,
			QueueDepthGauge,
			JobsProcessed,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
