package referral

import (
	"github.com/shopspring/decimal"
)

const (
	reasonNoPurchase    = "account has no purchase record"
	reasonClaimed       = "milestone already claimed"
	reasonNotConfigured = "tier rule not configured"
	reasonThresholds    = "cohort thresholds not met"
	reasonZeroPayout    = "payout rounds to zero"
)

// Eligibility is the read-only verdict of one tier for one account.
type Eligibility struct {
	Tier           Tier            `json:"tier"`
	Eligible       bool            `json:"eligible"`
	Claimed        bool            `json:"claimed"`
	Payout         decimal.Decimal `json:"payout"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Counts         map[int]int     `json:"counts,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// evaluate applies the rule of tier to a purchase and the cohort counts of its
// owner. It touches no storage. purchase may be nil.
func (rs *RuleSet) evaluate(tier Tier, purchase *PurchaseRecord, counts map[int]int, precision int32) (Eligibility, error) {
	if !tier.Valid() {
		return Eligibility{}, unknownTier(tier)
	}

	e := Eligibility{Tier: tier, Counts: counts}
	if purchase == nil {
		e.Reason = reasonNoPurchase
		return e, nil
	}
	e.ReferencePrice = purchase.PurchasePrice

	rule, ok := rs.rule(tier)
	if !ok {
		e.Reason = reasonNotConfigured
		return e, nil
	}
	e.Payout = rule.payout(purchase.PurchasePrice, precision)

	if purchase.Claimed(tier) {
		e.Claimed = true
		e.Reason = reasonClaimed
		return e, nil
	}

	matched, err := rule.matches(counts)
	if err != nil {
		return Eligibility{}, err
	}
	switch {
	case !matched:
		e.Reason = reasonThresholds
	case !e.Payout.IsPositive():
		e.Reason = reasonZeroPayout
	default:
		e.Eligible = true
	}
	return e, nil
}
