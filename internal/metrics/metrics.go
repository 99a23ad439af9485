package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "armada"
)

// Metrics holds all Prometheus metrics for the fleet controller
type Metrics struct {
	// Tick metrics
	TickTotal    *prometheus.CounterVec
	TickDuration *prometheus.HistogramVec
	TickErrors   *prometheus.CounterVec

	// Worker metrics
	WorkersTracked  *prometheus.GaugeVec
	WorkersActive   *prometheus.GaugeVec
	WorkersDraining *prometheus.GaugeVec
	WorkersTarget   *prometheus.GaugeVec

	// Scaling metrics
	ScaleUpEvents   *prometheus.CounterVec
	ScaleDownEvents *prometheus.CounterVec
	RotationEvents  *prometheus.CounterVec

	// Queue metrics
	QueueDepth  *prometheus.GaugeVec
	PendingJobs *prometheus.GaugeVec

	// Lifecycle metrics
	ProvisionTotal    *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram
	DestroyTotal      *prometheus.CounterVec
	Compensations     *prometheus.CounterVec

	// Fleet health
	FleetDegraded *prometheus.GaugeVec

	// CI API metrics
	CIAPIRequests *prometheus.CounterVec
	CIAPIDuration prometheus.Histogram

	// System metrics
	ControllerInfo *prometheus.GaugeVec
	LeaderElection prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		TickTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_total",
				Help:      "Total number of fleet control-loop ticks",
			},
			[]string{"fleet", "status"},
		),
		TickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of fleet control-loop ticks",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"fleet"},
		),
		TickErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_errors_total",
				Help:      "Total number of tick errors",
			},
			[]string{"fleet", "error_type"},
		),

		WorkersTracked: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_tracked",
				Help:      "Number of workers in the tracked set",
			},
			[]string{"fleet"},
		),
		WorkersActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_active",
				Help:      "Number of workers in the active state",
			},
			[]string{"fleet"},
		),
		WorkersDraining: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_draining",
				Help:      "Number of workers draining",
			},
			[]string{"fleet"},
		),
		WorkersTarget: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_target",
				Help:      "Target worker count from the last decision",
			},
			[]string{"fleet"},
		),

		ScaleUpEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_up_events_total",
				Help:      "Total number of scale up events",
			},
			[]string{"fleet"},
		),
		ScaleDownEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_down_events_total",
				Help:      "Total number of scale down events",
			},
			[]string{"fleet"},
		),
		RotationEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rotation_events_total",
				Help:      "Total number of worker rotations",
			},
			[]string{"fleet", "status"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Total jobs observed for the fleet's labels",
			},
			[]string{"fleet"},
		),
		PendingJobs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_jobs",
				Help:      "Jobs waiting for a worker",
			},
			[]string{"fleet"},
		),

		ProvisionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provision_total",
				Help:      "Total number of worker provision attempts",
			},
			[]string{"fleet", "status"},
		),
		ProvisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_duration_seconds",
				Help:      "Duration of worker provisioning",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		DestroyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "destroy_total",
				Help:      "Total number of worker destroy attempts",
			},
			[]string{"fleet", "status"},
		),
		Compensations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Compute instances destroyed after failed registration",
			},
			[]string{"fleet"},
		),

		FleetDegraded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "fleet_degraded",
				Help:      "1 if every provisioning attempt has failed for several consecutive ticks",
			},
			[]string{"fleet"},
		),

		CIAPIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ci_api_requests_total",
				Help:      "Total number of CI provider API requests",
			},
			[]string{"endpoint", "status"},
		),
		CIAPIDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ci_api_duration_seconds",
				Help:      "Duration of CI provider API requests",
				Buckets:   prometheus.DefBuckets,
			},
		),

		ControllerInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "controller_info",
				Help:      "Information about the controller",
			},
			[]string{"version", "provider", "mode"},
		),
		LeaderElection: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader_election_status",
				Help:      "Leader election status (1 if leader, 0 otherwise)",
			},
		),
	}

	return m
}
