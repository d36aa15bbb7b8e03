package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the arena.
type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal     *prometheus.CounterVec
	VerificationDuration prometheus.Histogram
	QueueDepth           *prometheus.GaugeVec
	Requeues             prometheus.Counter
	DeadLetters          prometheus.Counter
	InstanceOps          *prometheus.CounterVec
	BackendLatency       *prometheus.HistogramVec
	BackendErrors        *prometheus.CounterVec
	CacheRebuilds        *prometheus.CounterVec
	SweeperDestroys      *prometheus.CounterVec
	ProxyConnections     prometheus.Gauge
	RequestsInFlight     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctf",
				Name:      "submissions_total",
				Help:      "Total number of resolved submissions by final status.",
			},
			[]string{"status"},
		),

		VerificationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "ctf",
				Name:      "verification_duration_seconds",
				Help:      "Time from dequeue to persisted verdict.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "ctf",
				Name:      "queue_depth",
				Help:      "Items waiting in an in-process work queue.",
			},
			[]string{"queue"},
		),

		Requeues: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ctf",
				Subsystem: "pipeline",
				Name:      "requeues_total",
				Help:      "Submissions put back on the queue after a concurrent modification.",
			},
		),

		DeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ctf",
				Subsystem: "pipeline",
				Name:      "dead_letters_total",
				Help:      "Submissions abandoned after exhausting conflict retries.",
			},
		),

		InstanceOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctf",
				Name:      "instance_operations_total",
				Help:      "Instance provision, extend and stop requests by result.",
			},
			[]string{"operation", "result"},
		),

		BackendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ctf",
				Name:      "backend_operation_duration_seconds",
				Help:      "Duration of container runtime operations.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend", "operation"},
		),

		BackendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctf",
				Name:      "backend_errors_total",
				Help:      "Failed container runtime operations.",
			},
			[]string{"backend", "operation"},
		),

		CacheRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctf",
				Subsystem: "cache",
				Name:      "rebuilds_total",
				Help:      "Cache artifact rebuild attempts by result.",
			},
			[]string{"artifact", "result"},
		),

		SweeperDestroys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctf",
				Subsystem: "sweeper",
				Name:      "destroys_total",
				Help:      "Expired instances processed by the sweeper.",
			},
			[]string{"result"},
		),

		ProxyConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ctf",
				Subsystem: "proxy",
				Name:      "connections",
				Help:      "Open WebSocket-to-TCP proxy sessions.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ctf",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	reg.MustRegister(
		m.SubmissionsTotal,
		m.VerificationDuration,
		m.QueueDepth,
		m.Requeues,
		m.DeadLetters,
		m.InstanceOps,
		m.BackendLatency,
		m.BackendErrors,
		m.CacheRebuilds,
		m.SweeperDestroys,
		m.ProxyConnections,
		m.RequestsInFlight,
	)

	return m
}

// RecordVerdict records a resolved submission.
func (m *Metrics) RecordVerdict(status string, d time.Duration) {
	m.SubmissionsTotal.WithLabelValues(status).Inc()
	m.VerificationDuration.Observe(d.Seconds())
}

// RecordBackendOp records one runtime call and counts it as an error when err is set.
func (m *Metrics) RecordBackendOp(backend, op string, d time.Duration, err error) {
	m.BackendLatency.WithLabelValues(backend, op).Observe(d.Seconds())
	if err != nil {
		m.BackendErrors.WithLabelValues(backend, op).Inc()
	}
}

func (m *Metrics) RecordInstanceOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.InstanceOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RecordRebuild(artifact, result string) {
	m.CacheRebuilds.WithLabelValues(artifact, result).Inc()
}

func (m *Metrics) RecordSweep(result string) {
	m.SweeperDestroys.WithLabelValues(result).Inc()
}
