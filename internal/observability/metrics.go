package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	registry *prometheus.Registry

	Events              *prometheus.CounterVec
	TriggerDecisions    *prometheus.CounterVec
	CompletionAttempts  *prometheus.CounterVec
	FallbackReplies     prometheus.Counter
	ConversationAppends *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	ReplyLatency        prometheus.Histogram

	latency *latencyWindow
}

// NewMetrics registers the instruments on a fresh registry, so several
// instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound chat events by outcome.",
		}, []string{"outcome"}),
		TriggerDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_decisions_total",
			Help:      "Trigger decisions by reason.",
		}, []string{"reason"}),
		CompletionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_attempts_total",
			Help:      "Completion attempts by model and outcome.",
		}, []string{"model", "outcome"}),
		FallbackReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_fallback_replies_total",
			Help:      "Replies that fell back to the fixed apology after all attempts failed.",
		}),
		ConversationAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_appends_total",
			Help:      "Conversation log appends by scope kind and result.",
		}, []string{"scope", "result"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ReplyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_ms",
			Help:      "Latency from event receipt to reply effects in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveCompletionAttempt(model, outcome string) {
	m.CompletionAttempts.WithLabelValues(model, outcome).Inc()
}

func (m *Metrics) ObserveFallbackReply() {
	m.FallbackReplies.Inc()
}

func (m *Metrics) ObserveEvent(outcome string) {
	m.Events.WithLabelValues(outcome).Inc()
	m.latency.countOutcome(outcome)
}

func (m *Metrics) ObserveTrigger(reason string) {
	m.TriggerDecisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveAppend(scope string, added bool) {
	result := "added"
	if !added {
		result = "duplicate"
	}
	m.ConversationAppends.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) ObserveReplyLatency(d time.Duration) {
	m.ReplyLatency.Observe(float64(d.Milliseconds()))
}

// ObserveStage records a pipeline stage duration in the latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.latency.observe(stage, d)
}

// LatencySnapshot reports the latency window against the given budgets.
func (m *Metrics) LatencySnapshot(budgets Budgets) LatencySnapshot {
	return m.latency.snapshot(budgets, time.Now())
}

func (m *Metrics) ResetLatency() {
	m.latency.reset()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
