// Package metrics содержит метрики движка погашения и вывода средств.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics записывает исходы операций движка.
type EngineMetrics struct {
	claims      *prometheus.CounterVec
	withdrawals *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewEngineMetrics регистрирует метрики движка на переданном Registerer.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		return &EngineMetrics{}
	}
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecopoints_claims_total",
		Help: "Token claim attempts by outcome.",
	}, []string{"outcome"})
	withdrawals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ecopoints_withdrawals_total",
		Help: "Withdrawal attempts by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecopoints_engine_duration_seconds",
		Help:    "Duration of engine operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	reg.MustRegister(claims, withdrawals, duration)
	return &EngineMetrics{
		claims:      claims,
		withdrawals: withdrawals,
		duration:    duration,
	}
}

// IncClaim увеличивает счётчик попыток погашения с указанным исходом.
func (m *EngineMetrics) IncClaim(outcome string) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncWithdrawal увеличивает счётчик попыток вывода с указанным исходом.
func (m *EngineMetrics) IncWithdrawal(outcome string) {
	if m == nil || m.withdrawals == nil {
		return
	}
	m.withdrawals.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveDuration записывает длительность операции движка.
func (m *EngineMetrics) ObserveDuration(operation string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(operation)).Observe(d.Seconds())
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
