package admission

import "github.com/prometheus/client_golang/prometheus"

var (
	submissionsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgate_admission_accepted_total",
			Help: "Total number of job submissions admitted.",
		},
		[]string{"provider"},
	)

	submissionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgate_admission_rejected_total",
			Help: "Total number of job submissions rejected, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(submissionsAccepted)
	prometheus.MustRegister(submissionsRejected)
}
