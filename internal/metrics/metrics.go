package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the router.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive      prometheus.Gauge
	sessionDuration      *prometheus.HistogramVec
	backendsAttached     *prometheus.CounterVec
	backendsClosed       *prometheus.CounterVec
	routeDecisions       *prometheus.CounterVec
	classificationRejects *prometheus.CounterVec
	slaveConnections     *prometheus.GaugeVec
	sescmdLogDepth       prometheus.Histogram
	replayFailures       prometheus.Counter
	divergenceEvents     *prometheus.CounterVec
	failoverEvents       *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	maskingRewrites *prometheus.CounterVec
	maskingRulesLoaded prometheus.Gauge
}

// New creates and registers all Prometheus metrics using a custom
// registry. Safe to call multiple times (e.g. in tests) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "splitrouter_sessions_active",
			Help: "Number of currently open client sessions",
		}),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "splitrouter_session_duration_seconds",
				Help:    "Duration of a client session from open to close",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"close_reason"},
		),
		backendsAttached: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitrouter_backends_attached_total",
				Help: "Backend connections opened per server",
			},
			[]string{"server", "role"},
		),
		backendsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitrouter_backends_closed_total",
				Help: "Backend connections closed per server",
			},
			[]string{"server", "reason"},
		),
		routeDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitrouter_route_decisions_total",
				Help: "Routing decisions by target",
			},
			[]string{"target"},
		),
		classificationRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitrouter_classification_rejects_total",
				Help: "Commands rejected outright by the query classifier",
			},
			[]string{"reason"},
		),
		slaveConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "splitrouter_slave_connections",
				Help: "Slave connections currently held open per session bucket",
			},
			[]string{"server"},
		),
		sescmdLogDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "splitrouter_sescmd_log_depth",
			Help:    "Session-command log length at the time a new backend attaches",
			Buckets: prometheus.LinearBuckets(0, 5, 20),
		}),
		replayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "splitrouter_sescmd_replay_failures_total",
			Help: "Session-command replay failures when attaching a new backend",
		}),
		divergenceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitrouter_reply_divergence_total",
				Help: "Broadcast replies that diverged from the reference backend",
			},
			[]string{"server"},
		),
		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitrouter_failover_events_total",
				Help: "Master failure handling events by mode",
			},
			[]string{"mode"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "splitrouter_health_check_duration_seconds",
				Help:    "Duration of backend health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"server", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitrouter_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"server", "error_type"},
		),
		maskingRewrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitrouter_masking_rewrites_total",
				Help: "Column values rewritten by the masking filter, by rule kind",
			},
			[]string{"kind"},
		),
		maskingRulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "splitrouter_masking_rules_loaded",
			Help: "Number of masking rules in the currently active ruleset",
		}),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionDuration,
		c.backendsAttached,
		c.backendsClosed,
		c.routeDecisions,
		c.classificationRejects,
		c.slaveConnections,
		c.sescmdLogDepth,
		c.replayFailures,
		c.divergenceEvents,
		c.failoverEvents,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.maskingRewrites,
		c.maskingRulesLoaded,
	)

	return c
}

func (c *Collector) SessionOpened()  { c.sessionsActive.Inc() }
func (c *Collector) SessionClosed(reason string, d time.Duration) {
	c.sessionsActive.Dec()
	c.sessionDuration.WithLabelValues(reason).Observe(d.Seconds())
}

func (c *Collector) BackendAttached(server, role string) {
	c.backendsAttached.WithLabelValues(server, role).Inc()
}

func (c *Collector) BackendClosed(server, reason string) {
	c.backendsClosed.WithLabelValues(server, reason).Inc()
}

func (c *Collector) RouteDecision(target string) {
	c.routeDecisions.WithLabelValues(target).Inc()
}

func (c *Collector) ClassificationReject(reason string) {
	c.classificationRejects.WithLabelValues(reason).Inc()
}

func (c *Collector) SetSlaveConnections(server string, n int) {
	c.slaveConnections.WithLabelValues(server).Set(float64(n))
}

func (c *Collector) SescmdLogDepthObserved(n int) {
	c.sescmdLogDepth.Observe(float64(n))
}

func (c *Collector) ReplayFailure() { c.replayFailures.Inc() }

func (c *Collector) Divergence(server string) {
	c.divergenceEvents.WithLabelValues(server).Inc()
}

func (c *Collector) Failover(mode string) {
	c.failoverEvents.WithLabelValues(mode).Inc()
}

func (c *Collector) HealthCheckCompleted(server string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(server, status).Observe(d.Seconds())
}

func (c *Collector) HealthCheckError(server, errorType string) {
	c.healthCheckErrors.WithLabelValues(server, errorType).Inc()
}

func (c *Collector) MaskingRewrite(kind string) {
	c.maskingRewrites.WithLabelValues(kind).Inc()
}

func (c *Collector) SetMaskingRulesLoaded(n int) {
	c.maskingRulesLoaded.Set(float64(n))
}

// RemoveServer clears all per-server metric series for a backend removed
// from configuration.
func (c *Collector) RemoveServer(server string) {
	c.backendsAttached.DeletePartialMatch(prometheus.Labels{"server": server})
	c.backendsClosed.DeletePartialMatch(prometheus.Labels{"server": server})
	c.slaveConnections.DeleteLabelValues(server)
	c.divergenceEvents.DeleteLabelValues(server)
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"server": server})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"server": server})
}
