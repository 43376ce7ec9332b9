package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgate_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state.",
		},
		[]string{"provider", "status"},
	)

	jobExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qgate_job_execution_duration_seconds",
			Help:    "Time from running to terminal state.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	jobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgate_job_retries_total",
			Help: "Total number of provider attempts that were retried.",
		},
		[]string{"provider"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qgate_engine_queue_depth",
			Help: "Number of job ids waiting for a worker.",
		},
	)

	sweptJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgate_sweeper_jobs_total",
			Help: "Jobs acted on by the reconciliation sweep.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(jobExecutionDuration)
	prometheus.MustRegister(jobRetriesTotal)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(sweptJobsTotal)
}
