package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_sessions_total",
			Help: "Total number of chat sessions opened.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlchat_active_sessions",
			Help: "Current count of open chat sessions.",
		},
	)
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_turns_total",
			Help: "Total number of conversation turns by classified intent and outcome.",
		},
		[]string{"intent", "outcome"},
	)
	turnDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlchat_turn_duration_seconds",
			Help:    "End-to-end conversation turn latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	completionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_completion_requests_total",
			Help: "Total number of completion backend calls by operation and result.",
		},
		[]string{"operation", "result"},
	)
	completionLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlchat_completion_latency_seconds",
			Help:    "Completion backend call latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"operation"},
	)
	statementLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlchat_statement_latency_seconds",
			Help:    "SQL statement execution latency in seconds by verb.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"verb"},
	)
	synthesisRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_synthesis_rejections_total",
			Help: "Total number of synthesized statements rejected by validation gate.",
		},
		[]string{"gate"},
	)
	serializationDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_serialization_degraded_total",
			Help: "Total number of result values degraded to their string representation.",
		},
		[]string{"go_type"},
	)
)

func init() {
	prometheus.MustRegister(
		sessionsTotal,
		activeSessions,
		turnsTotal,
		turnDurationSeconds,
		completionRequestsTotal,
		completionLatencySeconds,
		statementLatencySeconds,
		synthesisRejectionsTotal,
		serializationDegradedTotal,
	)
}

func SessionOpened() {
	sessionsTotal.Inc()
	activeSessions.Inc()
}

func SessionClosed() {
	activeSessions.Dec()
}

func ObserveTurn(intent, outcome string, elapsed time.Duration) {
	turnsTotal.WithLabelValues(intent, outcome).Inc()
	turnDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveCompletion(operation string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	completionRequestsTotal.WithLabelValues(operation, result).Inc()
	completionLatencySeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func ObserveStatement(verb string, elapsed time.Duration) {
	statementLatencySeconds.WithLabelValues(verb).Observe(elapsed.Seconds())
}

func ObserveSynthesisRejection(gate string) {
	synthesisRejectionsTotal.WithLabelValues(gate).Inc()
}

func ObserveSerializationDegraded(goType string) {
	serializationDegradedTotal.WithLabelValues(goType).Inc()
}
