package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deployment metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_deployments_total",
			Help: "Total number of deployments by strategy and outcome",
		},
		[]string{"strategy", "status"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployd_deployment_duration_seconds",
			Help:    "End-to-end deployment duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"strategy"},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployd_phase_duration_seconds",
			Help:    "Strategy phase duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// Admission metrics
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_rate_limited_total",
			Help: "Total number of deployments rejected at admission by limit kind",
		},
		[]string{"kind"},
	)

	// Container metrics
	ContainersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deployd_containers_created_total",
			Help: "Total number of containers created",
		},
	)

	ContainersRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deployd_containers_removed_total",
			Help: "Total number of containers removed",
		},
	)

	HealthChecksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deployd_health_checks_failed_total",
			Help: "Total number of failed container health probes",
		},
	)

	// Job consumer metrics
	JobsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployd_jobs_consumed_total",
			Help: "Total number of jobs consumed by outcome (acked, requeued, dropped)",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(ContainersCreated)
	prometheus.MustRegister(ContainersRemoved)
	prometheus.MustRegister(HealthChecksFailed)
	prometheus.MustRegister(JobsConsumed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and observes it on completion
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts a timer against the given observer
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: observer}
}

// ObserveDuration records the elapsed time
func (t *Timer) ObserveDuration() time.Duration {
	elapsed := time.Since(t.start)
	t.observer.Observe(elapsed.Seconds())
	return elapsed
}
