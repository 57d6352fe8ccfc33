package iap

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "market_billing"

// Metrics counts verification outcomes and backend calls. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	verifications *prometheus.CounterVec
	calls         *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "verifications_total",
			Help:      "Purchase signature verifications by market and result.",
		}, []string{"market", "result"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "backend_calls_total",
			Help:      "Dispatched backend operations by market, operation and result.",
		}, []string{"market", "operation", "result"}),
	}

	if reg != nil {
		reg.MustRegister(m.verifications, m.calls)
	}
	return m
}

func (m *Metrics) verification(market Market, result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(market.String(), result).Inc()
}

func (m *Metrics) call(market Market, operation string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "empty"
	}
	m.calls.WithLabelValues(market.String(), operation, result).Inc()
}

// Verifications exposes the verification counter, mainly for tests.
func (m *Metrics) Verifications() *prometheus.CounterVec {
	return m.verifications
}

// Calls exposes the backend call counter, mainly for tests.
func (m *Metrics) Calls() *prometheus.CounterVec {
	return m.calls
}
