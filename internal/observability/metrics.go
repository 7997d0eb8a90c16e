package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	laneDepth    *prometheus.GaugeVec
	laneTasks    *prometheus.CounterVec
	laneDuration *prometheus.HistogramVec

	turnTotal    *prometheus.CounterVec
	turnDuration prometheus.Histogram

	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	lateResultsTotal *prometheus.CounterVec

	proposalTransitions *prometheus.CounterVec
	budgetRefusals      *prometheus.CounterVec

	breakerTransitions *prometheus.CounterVec
	breakerEntries     prometheus.Gauge
	breakerEvictions   *prometheus.CounterVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	sessionsCreated *prometheus.CounterVec

	securityEvents *prometheus.CounterVec
	auditDropped   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "concierge_lane_depth",
					Help: "Queued turns per lane.",
				},
				[]string{"lane"},
			),
			laneTasks: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_lane_tasks_total",
					Help: "Completed lane tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			laneDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "concierge_lane_task_duration_seconds",
					Help:    "Lane task duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_turns_total",
					Help: "Chat turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "concierge_turn_duration_seconds",
					Help:    "Chat turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_tool_calls_total",
					Help: "Tool call attempts by tool, tier and approval status.",
				},
				[]string{"tool", "tier", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "concierge_tool_call_duration_seconds",
					Help:    "Tool executor duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			lateResultsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_tool_late_results_total",
					Help: "Executor completions observed after their timeout.",
				},
				[]string{"tool"},
			),
			proposalTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_proposal_transitions_total",
					Help: "Proposal state transitions by tier and target state.",
				},
				[]string{"tier", "to"},
			),
			budgetRefusals: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_budget_refusals_total",
					Help: "Tool calls refused because the tier budget was exhausted.",
				},
				[]string{"tier"},
			),
			breakerTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_breaker_transitions_total",
					Help: "Circuit breaker state transitions.",
				},
				[]string{"from", "to"},
			),
			breakerEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "concierge_breaker_entries",
					Help: "Session circuit breakers held in memory.",
				},
			),
			breakerEvictions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_breaker_evictions_total",
					Help: "Circuit breakers removed by sweep reason.",
				},
				[]string{"reason"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_model_calls_total",
					Help: "Language model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "concierge_model_call_duration_seconds",
					Help:    "Language model call duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			sessionsCreated: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_sessions_created_total",
					Help: "Sessions created by reason.",
				},
				[]string{"reason"},
			),
			securityEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "concierge_security_events_total",
					Help: "Tenant or session scope violations by action.",
				},
				[]string{"action"},
			),
			auditDropped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "concierge_audit_dropped_total",
					Help: "Audit records dropped because a sink buffer was full.",
				},
			),
		}

		prometheus.MustRegister(
			m.laneDepth,
			m.laneTasks,
			m.laneDuration,
			m.turnTotal,
			m.turnDuration,
			m.toolCallTotal,
			m.toolCallDuration,
			m.lateResultsTotal,
			m.proposalTransitions,
			m.budgetRefusals,
			m.breakerTransitions,
			m.breakerEntries,
			m.breakerEvictions,
			m.modelCallTotal,
			m.modelCallDuration,
			m.sessionsCreated,
			m.securityEvents,
			m.auditDropped,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetLaneDepth(lane string, depth int) {
	getMetrics().laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordLaneTask(lane string, duration time.Duration, success bool, depth int) {
	m := getMetrics()
	m.laneTasks.WithLabelValues(lane, statusLabel(success)).Inc()
	m.laneDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordToolCall(tool, tier, status string, duration time.Duration) {
	m := getMetrics()
	m.toolCallTotal.WithLabelValues(tool, tier, status).Inc()
	if duration > 0 {
		m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

func RecordLateResult(tool string) {
	getMetrics().lateResultsTotal.WithLabelValues(tool).Inc()
}

func RecordProposalTransition(tier, to string) {
	getMetrics().proposalTransitions.WithLabelValues(tier, to).Inc()
}

func RecordBudgetRefusal(tier string) {
	getMetrics().budgetRefusals.WithLabelValues(tier).Inc()
}

func RecordBreakerTransition(from, to string) {
	getMetrics().breakerTransitions.WithLabelValues(from, to).Inc()
}

func SetBreakerEntries(count int) {
	getMetrics().breakerEntries.Set(float64(count))
}

func RecordBreakerEvictions(reason string, count int) {
	if count <= 0 {
		return
	}
	getMetrics().breakerEvictions.WithLabelValues(reason).Add(float64(count))
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordSessionCreated(reason string) {
	getMetrics().sessionsCreated.WithLabelValues(reason).Inc()
}

func RecordSecurityEvent(action string) {
	getMetrics().securityEvents.WithLabelValues(action).Inc()
}

func RecordAuditDropped() {
	getMetrics().auditDropped.Inc()
}
