package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every exported metric.
const Namespace = "defproxy"

// PrometheusCollectors holds all prometheus metric collectors
type PrometheusCollectors struct {
	Connections       *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	HandshakeFailures prometheus.Counter
	UpstreamFailures  prometheus.Counter
	SharesOK          prometheus.Counter
	SharesBad         prometheus.Counter
	Reports           *prometheus.CounterVec
	FramesForwarded   prometheus.Counter
	LastJob           prometheus.Gauge
}

// InitPrometheus creates the collectors and registers them with reg. A
// collector that is already registered is reused.
func InitPrometheus(namespace string, reg prometheus.Registerer) *PrometheusCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.Connections = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Downstream connections by detected protocol",
	}, []string{"protocol"})).(*prometheus.CounterVec)

	pc.SessionsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of currently bridged sessions",
	})).(prometheus.Gauge)

	pc.HandshakeFailures = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_failures_total",
		Help:      "Failed Noise handshakes with miners or pools",
	})).(prometheus.Counter)

	pc.UpstreamFailures = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_failures_total",
		Help:      "Target resolution or upstream dial failures",
	})).(prometheus.Counter)

	pc.SharesOK = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_accepted_total",
		Help:      "Total number of accepted shares",
	})).(prometheus.Counter)

	pc.SharesBad = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_rejected_total",
		Help:      "Total number of rejected shares",
	})).(prometheus.Counter)

	pc.Reports = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "share_reports_total",
		Help:      "Share reports sent to the accounting server by outcome",
	}, []string{"result"})).(*prometheus.CounterVec)

	pc.FramesForwarded = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_forwarded_total",
		Help:      "Frames and lines forwarded between miners and pools",
	})).(prometheus.Counter)

	pc.LastJob = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_job_timestamp_seconds",
		Help:      "Unix timestamp of the last job sent to a miner",
	})).(prometheus.Gauge)

	return pc
}
