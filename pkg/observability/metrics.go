package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Gateway metrics
	GatewayRequestsTotal *prometheus.CounterVec
	GatewayFieldsTotal   *prometheus.CounterVec
	DecryptFailuresTotal *prometheus.CounterVec

	// Chain metrics
	ChainAppendsTotal         *prometheus.CounterVec
	ChainAppendDuration       prometheus.Histogram
	ChainLockWait             prometheus.Histogram
	ChainHeadSequence         prometheus.Gauge
	ChainVerificationsTotal   *prometheus.CounterVec
	ChainMismatchesTotal      prometheus.Counter
	ChainVerificationDuration prometheus.Histogram

	// Alerting
	SecurityAlertsTotal *prometheus.CounterVec

	// Policy
	PolicyReloadsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phiguard_gateway_requests_total",
				Help: "Protected-field operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		GatewayFieldsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phiguard_gateway_fields_total",
				Help: "Requested fields by decision reason",
			},
			[]string{"decision"},
		),
		DecryptFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phiguard_decrypt_failures_total",
				Help: "Field decryptions that failed authentication or key lookup",
			},
			[]string{"classification"},
		),
		ChainAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phiguard_chain_appends_total",
				Help: "Audit chain appends by status",
			},
			[]string{"status"},
		),
		ChainAppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phiguard_chain_append_duration_seconds",
			Help:    "Time spent inside the append critical section",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		ChainLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phiguard_chain_lock_wait_seconds",
			Help:    "Time spent waiting for the chain writer lock",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		ChainHeadSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phiguard_chain_head_sequence",
			Help: "Sequence number of the most recently appended entry",
		}),
		ChainVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phiguard_chain_verifications_total",
				Help: "Chain verification runs by result",
			},
			[]string{"result"},
		),
		ChainMismatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phiguard_chain_mismatches_total",
			Help: "Entries reported as mismatched by verification",
		}),
		ChainVerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phiguard_chain_verification_duration_seconds",
			Help:    "Duration of chain verification runs",
			Buckets: prometheus.DefBuckets,
		}),
		SecurityAlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phiguard_security_alerts_total",
				Help: "Operator alerts raised by kind",
			},
			[]string{"kind"},
		),
		PolicyReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phiguard_policy_reloads_total",
				Help: "Policy file reloads by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.GatewayRequestsTotal,
		m.GatewayFieldsTotal,
		m.DecryptFailuresTotal,
		m.ChainAppendsTotal,
		m.ChainAppendDuration,
		m.ChainLockWait,
		m.ChainHeadSequence,
		m.ChainVerificationsTotal,
		m.ChainMismatchesTotal,
		m.ChainVerificationDuration,
		m.SecurityAlertsTotal,
		m.PolicyReloadsTotal,
	)
	return m
}

// NewNopMetrics returns metrics registered on a private registry, for
// components built without a shared one.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
