package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/standardbeagle/browser-relay/internal/relay"
	"github.com/standardbeagle/browser-relay/internal/tools"
)

const namespace = "browser_relay"

// Metrics holds the relay's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	extensionCalls   *prometheus.CounterVec
	extensionLatency prometheus.Histogram
	connected        prometheus.Gauge
	transitions      *prometheus.CounterVec
	sessionsOpen     prometheus.Gauge
	sessionsTotal    prometheus.Counter
	sessionLifetime  prometheus.Histogram

	now func() time.Time
}

// New registers every collector, plus the Go runtime and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		now:      time.Now,

		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Time from tools/call to result, by tool",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60},
		}, []string{"tool"}),
		extensionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extension_calls_total",
			Help:      "Settled extension calls by action and result",
		}, []string{"action", "result"}),
		extensionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extension_call_duration_seconds",
			Help:      "Time from sending an action to its reply",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "extension_connected",
			Help:      "1 while an extension holds the control channel",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extension_state_transitions_total",
			Help:      "Control channel state changes",
		}, []string{"from", "to"}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "MCP sessions currently open",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "MCP sessions created since start",
		}),
		sessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_lifetime_seconds",
			Help:      "How long sessions stayed open",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
		}),
	}

	m.registry.MustRegister(
		m.toolCalls,
		m.toolDuration,
		m.extensionCalls,
		m.extensionLatency,
		m.connected,
		m.transitions,
		m.sessionsOpen,
		m.sessionsTotal,
		m.sessionLifetime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackPending exports the registry's in-flight call count
func (m *Metrics) TrackPending(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "extension_calls_pending",
		Help:      "Extension calls awaiting a reply",
	}, func() float64 { return float64(count()) }))
}

// ObserveToolCall records one finished tool invocation
func (m *Metrics) ObserveToolCall(rec tools.CallRecord) {
	m.toolCalls.WithLabelValues(rec.Tool, rec.Outcome).Inc()
	m.toolDuration.WithLabelValues(rec.Tool).Observe(rec.Duration.Seconds())
}

// ObserveSettle records one settled extension call
func (m *Metrics) ObserveSettle(p *relay.Pending, err error) {
	m.extensionCalls.WithLabelValues(p.Action, SettleResult(err)).Inc()
	if err == nil {
		m.extensionLatency.Observe(m.now().Sub(p.CreatedAt).Seconds())
	}
}

// ObserveTransition records a control channel state change
func (m *Metrics) ObserveTransition(tr relay.StateTransition) {
	m.transitions.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	if tr.To == relay.StateOpen {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// SessionOpened counts a new session
func (m *Metrics) SessionOpened(string) {
	m.sessionsOpen.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed counts a closed session and its lifetime
func (m *Metrics) SessionClosed(_ string, lifetime time.Duration) {
	m.sessionsOpen.Dec()
	m.sessionLifetime.Observe(lifetime.Seconds())
}

// SettleResult is the result label for a settled call
func SettleResult(err error) string {
	if err == nil {
		return "ok"
	}
	var ae *relay.ActionError
	if errors.As(err, &ae) {
		return "extension_error"
	}
	return relay.KindOf(err).String()
}
