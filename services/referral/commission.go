package referral

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	commissionPaid           = "paid"
	commissionNoSponsor      = "no_sponsor"
	commissionNeverPurchased = "sponsor_never_purchased"
	commissionInactive       = "sponsor_inactive"
	commissionZero           = "zero_amount"
	commissionInvalid        = "invalid_input"
	commissionFailed         = "error"
)

// OnPurchase pays the buyer's sponsor a share of the smaller of the two
// accounts' purchase prices. It never fails the caller: every problem is
// logged and the returned entry is nil when nothing was paid.
func (s *Service) OnPurchase(ctx context.Context, buyerID string, purchasePrice, commissionPercentage decimal.Decimal) *LedgerEntry {
	ctx, span := s.tracer.Start(ctx, "referral.OnPurchase")
	defer span.End()
	span.SetAttributes(attribute.String("buyer_id", buyerID))

	log := s.logger(ctx).With(
		zap.String("buyer_id", buyerID),
		zap.String("purchase_price", purchasePrice.String()),
		zap.String("commission_percentage", commissionPercentage.String()),
	)

	if requireID("buyer_id", buyerID) != nil || purchasePrice.IsNegative() || validPercentage(commissionPercentage) != nil {
		log.Warn("commission skipped: invalid buyer, purchase price or percentage")
		s.metrics.observeCommission(commissionInvalid)
		return nil
	}

	var (
		outcome string
		entry   *LedgerEntry
	)
	err := s.tx.run(ctx, func(st *stores) error {
		var err error
		outcome, entry, err = s.payCommission(ctx, st, buyerID, purchasePrice, commissionPercentage)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commission failed")
		log.Error("failed to pay purchase commission", zap.Error(err))
		s.metrics.observeCommission(commissionFailed)
		return nil
	}

	s.metrics.observeCommission(outcome)
	if entry == nil {
		log.Debug("no commission owed", zap.String("outcome", outcome))
		return nil
	}

	s.metrics.observePayout(PurchaseCommission, entry.Amount)
	log.Info("purchase commission paid",
		zap.String("sponsor_id", entry.ToAccountID),
		zap.String("amount", entry.Amount.String()),
		zap.String("ledger_entry_id", entry.ID),
	)
	return entry
}

func (s *Service) payCommission(ctx context.Context, st *stores, buyerID string, price, pct decimal.Decimal) (string, *LedgerEntry, error) {
	buyer, err := st.accounts.Get(ctx, buyerID)
	if err != nil {
		return "", nil, err
	}
	if buyer == nil {
		return "", nil, accountNotFound(buyerID)
	}
	if buyer.SponsorID == nil {
		return commissionNoSponsor, nil, nil
	}

	sponsorPurchase, err := st.purchases.Latest(ctx, *buyer.SponsorID)
	if err != nil {
		return "", nil, err
	}
	if sponsorPurchase == nil {
		return commissionNeverPurchased, nil, nil
	}

	sponsor, err := st.accounts.Get(ctx, *buyer.SponsorID)
	if err != nil {
		return "", nil, err
	}
	if sponsor == nil {
		return "", nil, accountNotFound(*buyer.SponsorID)
	}
	if !sponsor.IsActive() {
		return commissionInactive, nil, nil
	}

	amount := decimal.Min(sponsorPurchase.PurchasePrice, price).Mul(pct).Truncate(s.precision)
	if !amount.IsPositive() {
		return commissionZero, nil, nil
	}

	if err := st.accounts.AdjustBalance(ctx, sponsor, amount); err != nil {
		return "", nil, err
	}

	entry := &LedgerEntry{
		ID:            s.tx.nextID(),
		FromAccountID: buyer.ID,
		ToAccountID:   sponsor.ID,
		Amount:        amount,
		Kind:          PurchaseCommission,
		Metadata: datatypes.NewJSONType(EntryMetadata{
			CommissionPercentage: &pct,
			PurchaseID:           sponsorPurchase.ID,
		}),
	}
	if err := st.log.Append(ctx, entry); err != nil {
		return "", nil, err
	}
	return commissionPaid, entry, nil
}
