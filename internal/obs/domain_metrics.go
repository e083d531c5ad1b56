package obs

import "github.com/prometheus/client_golang/prometheus"

var (
	// SettlementComputedTotal counts settlement computations by outcome.
	SettlementComputedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_computed_total",
		Help: "Count of settlement computations by outcome.",
	}, []string{"result"})

	// NegativePayoutTotal counts settlements flagged with a negative net amount.
	NegativePayoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_negative_payout_total",
		Help: "Count of settlements flagged with a negative net payout.",
	})

	// DeductionTransitionsTotal counts ledger transitions by target state and outcome.
	DeductionTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deduction_transitions_total",
		Help: "Count of deduction ledger transitions by target state and outcome.",
	}, []string{"to_state", "result"})

	// StatementBuildsTotal counts monthly statement builds by kind and outcome.
	StatementBuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statement_builds_total",
		Help: "Count of monthly statement builds by kind and outcome.",
	}, []string{"kind", "result"})

	// StatementSendsTotal counts statement send attempts by outcome.
	StatementSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "statement_sends_total",
		Help: "Count of statement send attempts by outcome.",
	}, []string{"result"})

	// DeliveryAttemptLatency records renderer/email delivery latency in milliseconds.
	DeliveryAttemptLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "statement_delivery_duration_ms",
		Help:    "Latency for statement delivery attempts in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"channel", "result"})
)

func init() {
	prometheus.MustRegister(
		SettlementComputedTotal,
		NegativePayoutTotal,
		DeductionTransitionsTotal,
		StatementBuildsTotal,
		StatementSendsTotal,
		DeliveryAttemptLatency,
	)
}
