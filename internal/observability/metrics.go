package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the gateway. A nil
// *Metrics is safe to call: every method no-ops.
type Metrics struct {
	sessionsActive   prometheus.GaugeFunc
	sessionsTotal    *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	tokens           *prometheus.CounterVec
	budgetRejections prometheus.Counter
	rateLimited      prometheus.Counter
	eventsRouted     prometheus.Counter
	eventsDropped    *prometheus.CounterVec
	sinksActive      prometheus.GaugeFunc
	turnDuration     prometheus.Histogram
}

// NewMetrics registers the marketmind metric family on reg. activeFn
// reports the current number of active sessions and sinkFn the number
// of registered client sinks.
func NewMetrics(reg prometheus.Registerer, activeFn, sinkFn func() float64) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsActive: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "marketmind_sessions_active",
			Help: "Number of currently active analysis sessions.",
		}, activeFn),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmind_sessions_total",
			Help: "Sessions retired, by outcome.",
		}, []string{"outcome"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmind_tool_calls_total",
			Help: "Tool invocations, by tool and status.",
		}, []string{"tool", "status"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmind_tokens_total",
			Help: "Backend tokens consumed, by direction.",
		}, []string{"direction"}),
		budgetRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketmind_budget_rejections_total",
			Help: "Tool calls rejected by the session budget.",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketmind_rate_limited_total",
			Help: "Requests rejected by the upstream rate limiter.",
		}),
		eventsRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketmind_events_routed_total",
			Help: "Analyst events delivered to client sinks.",
		}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmind_events_dropped_total",
			Help: "Analyst events dropped before delivery, by reason.",
		}, []string{"reason"}),
		sinksActive: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "marketmind_sinks_active",
			Help: "Number of registered client sinks.",
		}, sinkFn),
		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketmind_turn_duration_seconds",
			Help:    "Wall time of a full analysis run including tool turns.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}

func (m *Metrics) SessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) Tokens(input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.tokens.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.tokens.WithLabelValues("output").Add(float64(output))
	}
}

func (m *Metrics) BudgetRejected() {
	if m == nil {
		return
	}
	m.budgetRejections.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) EventRouted(string) {
	if m == nil {
		return
	}
	m.eventsRouted.Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) TurnFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.Observe(d.Seconds())
}
