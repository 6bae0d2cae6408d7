package referral

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics counts payouts. A nil *Metrics is valid and records nothing.
type Metrics struct {
	claims      *prometheus.CounterVec
	commissions *prometheus.CounterVec
	payouts     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_claims_total",
			Help: "Milestone claim attempts by tier and outcome.",
		}, []string{"tier", "result"}),
		commissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_commissions_total",
			Help: "Purchase commission evaluations by outcome.",
		}, []string{"result"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_payout_amount_total",
			Help: "Sum of amounts credited by ledger entry kind.",
		}, []string{"kind"}),
	}
	for _, c := range []prometheus.Collector{m.claims, m.commissions, m.payouts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeClaim(tier Tier, result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(tier.String(), result).Inc()
}

func (m *Metrics) observeCommission(result string) {
	if m == nil {
		return
	}
	m.commissions.WithLabelValues(result).Inc()
}

func (m *Metrics) observePayout(kind EntryKind, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(string(kind)).Add(amount.InexactFloat64())
}
