package metrics

import "github.com/prometheus/client_golang/prometheus"

// BillingMetrics counts ledger transitions, webhook outcomes and gateway calls.
type BillingMetrics struct {
	transitions *prometheus.CounterVec
	webhooks    *prometheus.CounterVec
	gateway     *prometheus.CounterVec
}

// NewBillingMetrics registers the billing counters on reg. A nil registerer
// yields a no-op recorder.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_transaction_transitions_total",
		Help: "Ledger status transitions by target status and outcome.",
	}, []string{"status", "outcome"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Inbound gateway notifications by provider and outcome.",
	}, []string{"provider", "outcome"})
	gateway := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_gateway_calls_total",
		Help: "Outbound gateway calls by provider, operation and result.",
	}, []string{"provider", "operation", "result"})
	reg.MustRegister(transitions, webhooks, gateway)
	return &BillingMetrics{transitions: transitions, webhooks: webhooks, gateway: gateway}
}

// Transition records a ledger write attempt. Outcome is "applied", "duplicate" or "conflict".
func (m *BillingMetrics) Transition(status, outcome string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(status), normalizeLabel(outcome)).Inc()
}

// Webhook records how an inbound notification was handled.
func (m *BillingMetrics) Webhook(provider, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

// GatewayCall records an outbound gateway request.
func (m *BillingMetrics) GatewayCall(provider, operation, result string) {
	if m == nil || m.gateway == nil {
		return
	}
	m.gateway.WithLabelValues(normalizeLabel(provider), normalizeLabel(operation), normalizeLabel(result)).Inc()
}
