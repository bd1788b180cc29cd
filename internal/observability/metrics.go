package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	jobsProcessedTotal    *prometheus.CounterVec
	jobDurationSeconds    *prometheus.HistogramVec
	queueDepth            *prometheus.GaugeVec
	stuckJobs             prometheus.Gauge
	needsReviewTotal      prometheus.Counter
	overridesTotal        *prometheus.CounterVec
	eventsPublishedTotal  *prometheus.CounterVec
	contractFailuresTotal prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the workers.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		jobsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_jobs_processed_total",
			Help: "Evaluation jobs handled by the worker pool, by outcome.",
		}, []string{"outcome"})

		jobDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_job_duration_seconds",
			Help:    "Wall time spent processing one evaluation job.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"})

		queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grader_queue_jobs",
			Help: "Jobs currently held by the queue, by state.",
		}, []string{"state"})

		stuckJobs = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_stuck_jobs",
			Help: "Active jobs running longer than the stuck threshold.",
		})

		needsReviewTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_evaluations_needs_review_total",
			Help: "Evaluations whose average confidence fell below the review threshold.",
		})

		overridesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_overrides_total",
			Help: "Manual override operations, by action.",
		}, []string{"action"})

		eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_events_published_total",
			Help: "Evaluation lifecycle events published, by type.",
		}, []string{"type"})

		contractFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_output_contract_failures_total",
			Help: "Grader outputs rejected by the output contract.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			jobsProcessedTotal, jobDurationSeconds, queueDepth, stuckJobs,
			needsReviewTotal, overridesTotal, eventsPublishedTotal, contractFailuresTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// JobsProcessed counts finished job attempts by outcome (completed, retrying, failed).
func JobsProcessed() *prometheus.CounterVec {
	RegisterMetrics()
	return jobsProcessedTotal
}

// JobDuration observes job processing time.
func JobDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return jobDurationSeconds
}

// QueueDepth reports ready, delayed, active and dead job counts.
func QueueDepth() *prometheus.GaugeVec {
	RegisterMetrics()
	return queueDepth
}

// StuckJobs reports the number of stuck jobs seen by the last monitor sweep.
func StuckJobs() prometheus.Gauge {
	RegisterMetrics()
	return stuckJobs
}

// NeedsReview counts low-confidence evaluations.
func NeedsReview() prometheus.Counter {
	RegisterMetrics()
	return needsReviewTotal
}

// Overrides counts applied and removed overrides.
func Overrides() *prometheus.CounterVec {
	RegisterMetrics()
	return overridesTotal
}

// EventsPublished counts lifecycle events.
func EventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsPublishedTotal
}

// ContractFailures counts rejected grader outputs.
func ContractFailures() prometheus.Counter {
	RegisterMetrics()
	return contractFailuresTotal
}
