// Package metrics exposes the gateway's Prometheus collectors on a dedicated registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convo_gateway"

// Collector records gateway metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive     prometheus.Gauge
	sessionsTotal      *prometheus.CounterVec
	turnsTotal         *prometheus.CounterVec
	invokeDuration     *prometheus.HistogramVec
	framesDropped      *prometheus.CounterVec
	handoffsTotal      *prometheus.CounterVec
	utterancesTotal    *prometheus.CounterVec
	connectsRejected   *prometheus.CounterVec
	interruptionsTotal prometheus.Counter
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live conversational sessions.",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by outcome.",
		}, []string{"outcome"}),
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Engine turns by reason and outcome.",
		}, []string{"reason", "outcome"}),
		invokeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_invoke_duration_seconds",
			Help:      "Dialogue engine invocation latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent", "outcome"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound or outbound frames dropped, by reason.",
		}, []string{"reason"}),
		handoffsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Agent hand-offs by target and outcome.",
		}, []string{"agent", "outcome"}),
		utterancesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Synthesized utterances by outcome.",
		}, []string{"outcome"}),
		connectsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_rejected_total",
			Help:      "WebSocket connections rejected before a session started.",
		}, []string{"reason"}),
		interruptionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Client-initiated interruptions.",
		}),
	}
}

// Registry returns the registry backing this collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

func (c *Collector) SessionEnded(outcome string) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessionsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) Turn(reason, outcome string) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(reason, outcome).Inc()
}

// ObserveInvoke matches engine.Invoker's Observe hook.
func (c *Collector) ObserveInvoke(agentID string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.invokeDuration.WithLabelValues(agentID, outcome).Observe(elapsed.Seconds())
}

func (c *Collector) FrameDropped(reason string) {
	if c == nil {
		return
	}
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) Handoff(agentID, outcome string) {
	if c == nil {
		return
	}
	c.handoffsTotal.WithLabelValues(agentID, outcome).Inc()
}

func (c *Collector) Utterance(outcome string) {
	if c == nil {
		return
	}
	c.utterancesTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) ConnectRejected(reason string) {
	if c == nil {
		return
	}
	c.connectsRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) Interrupted() {
	if c == nil {
		return
	}
	c.interruptionsTotal.Inc()
}
