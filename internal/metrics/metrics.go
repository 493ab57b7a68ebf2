// Package metrics provides Prometheus metrics for ss-local.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ss_local"

// Metrics contains every Prometheus series the proxy exposes.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	BytesUpstream   prometheus.Counter
	BytesDownstream prometheus.Counter

	ACLDirectTotal  prometheus.Counter
	ACLRelayedTotal prometheus.Counter

	FastOpenAttemptsTotal prometheus.Counter
	FastOpenFallbackTotal prometheus.Counter

	IdleTimeoutsTotal prometheus.Counter

	UpstreamConnectLatency prometheus.Histogram
	UpstreamErrorsTotal    *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered
// against reg, so tests and multiple proxy instances in one process can
// avoid colliding on the global registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active proxy sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of proxy sessions accepted",
		}),
		BytesUpstream: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_upstream_total",
			Help:      "Total bytes relayed from client to upstream",
		}),
		BytesDownstream: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downstream_total",
			Help:      "Total bytes relayed from upstream to client",
		}),

		ACLDirectTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acl_direct_total",
			Help:      "Total sessions dialed directly due to an ACL bypass match",
		}),
		ACLRelayedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acl_relayed_total",
			Help:      "Total sessions relayed through an upstream tunnel",
		}),

		FastOpenAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fast_open_attempts_total",
			Help:      "Total TCP Fast Open connect attempts",
		}),
		FastOpenFallbackTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fast_open_fallback_total",
			Help:      "Total connections that fell back to a plain dial after Fast Open was unavailable",
		}),

		IdleTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_timeouts_total",
			Help:      "Total sessions torn down for exceeding their idle timeout",
		}),

		UpstreamConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_latency_seconds",
			Help:      "Histogram of upstream dial latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		UpstreamErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream dial/relay errors by upstream address",
		}, []string{"upstream"}),
	}
}

// RecordSessionStart records a new session beginning.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd() {
	m.SessionsActive.Dec()
}

// RecordBytes adds to the upstream/downstream byte counters.
func (m *Metrics) RecordBytes(upstream, downstream int64) {
	if upstream > 0 {
		m.BytesUpstream.Add(float64(upstream))
	}
	if downstream > 0 {
		m.BytesDownstream.Add(float64(downstream))
	}
}

// RecordACLDecision records whether a session bypassed the tunnel.
func (m *Metrics) RecordACLDecision(direct bool) {
	if direct {
		m.ACLDirectTotal.Inc()
	} else {
		m.ACLRelayedTotal.Inc()
	}
}

// RecordFastOpenAttempt records a Fast Open dial attempt and, if it fell
// back to a plain connect, the fallback.
func (m *Metrics) RecordFastOpenAttempt(fellBack bool) {
	m.FastOpenAttemptsTotal.Inc()
	if fellBack {
		m.FastOpenFallbackTotal.Inc()
	}
}

// RecordIdleTimeout records a session torn down by its idle timer.
func (m *Metrics) RecordIdleTimeout() {
	m.IdleTimeoutsTotal.Inc()
}

// RecordUpstreamConnect records upstream dial latency.
func (m *Metrics) RecordUpstreamConnect(latencySeconds float64) {
	m.UpstreamConnectLatency.Observe(latencySeconds)
}

// RecordUpstreamError records an error attributed to a specific upstream.
func (m *Metrics) RecordUpstreamError(upstream string) {
	m.UpstreamErrorsTotal.WithLabelValues(upstream).Inc()
}
