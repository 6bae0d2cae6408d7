package referral

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// TryClaimTier pays the milestone reward of tier to accountID at most once.
// Every precondition is re-read inside the transaction that pays, so a
// verdict from EvaluateTier is advisory only.
func (s *Service) TryClaimTier(ctx context.Context, accountID string, tier Tier) (decimal.Decimal, error) {
	ctx, span := s.tracer.Start(ctx, "referral.TryClaimTier")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID), attribute.Int("tier", int(tier)))

	log := s.logger(ctx).With(zap.String("account_id", accountID), zap.Int("tier", int(tier)))

	if err := requireID("account_id", accountID); err != nil {
		return decimal.Zero, err
	}
	if !tier.Valid() {
		s.metrics.observeClaim(tier, claimResult(ErrUnknownTier))
		return decimal.Zero, unknownTier(tier)
	}

	var (
		entry *LedgerEntry
		event *ClaimEvent
	)
	err := s.tx.run(ctx, func(st *stores) error {
		var err error
		entry, event, err = s.claim(ctx, st, accountID, tier)
		return err
	})

	s.metrics.observeClaim(tier, claimResult(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim rejected")
		log.Info("milestone claim rejected", zap.Error(err))
		return decimal.Zero, err
	}

	s.metrics.observePayout(MilestoneReward, entry.Amount)
	log.Info("milestone claimed",
		zap.String("payout", entry.Amount.String()),
		zap.String("ledger_entry_id", entry.ID),
		zap.String("claim_event_id", event.ID),
	)

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, accountID); err != nil {
			log.Warn("failed to invalidate progress cache", zap.Error(err))
		}
	}
	s.publishClaimed(ctx, event)

	return entry.Amount, nil
}

func (s *Service) claim(ctx context.Context, st *stores, accountID string, tier Tier) (*LedgerEntry, *ClaimEvent, error) {
	acc, err := st.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if acc == nil {
		return nil, nil, accountNotFound(accountID)
	}

	purchase, err := st.purchases.Latest(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if purchase == nil {
		return nil, nil, purchaseNotFound(accountID)
	}
	if purchase.Claimed(tier) {
		return nil, nil, alreadyClaimed(tier)
	}

	rule, ok := s.rules.rule(tier)
	if !ok {
		return nil, nil, notEligible(tier, reasonNotConfigured)
	}
	tree, err := loadSubtree(ctx, st, accountID, loadOptions{depth: rule.maxDepth})
	if err != nil {
		return nil, nil, err
	}
	verdict, err := s.rules.evaluate(tier, purchase, tree.cohortCounts(purchase.PurchasePrice), s.precision)
	if err != nil {
		return nil, nil, err
	}
	if !verdict.Eligible {
		return nil, nil, notEligible(tier, verdict.Reason)
	}

	if err := st.accounts.AdjustBalance(ctx, acc, verdict.Payout); err != nil {
		return nil, nil, err
	}
	if err := st.purchases.MarkClaimed(ctx, purchase, tier); err != nil {
		return nil, nil, err
	}

	entry := &LedgerEntry{
		ID:            s.tx.nextID(),
		FromAccountID: SystemAccountID,
		ToAccountID:   acc.ID,
		Amount:        verdict.Payout,
		Kind:          MilestoneReward,
		Metadata:      datatypes.NewJSONType(EntryMetadata{Tier: tier, PurchaseID: purchase.ID}),
	}
	if err := st.log.Append(ctx, entry); err != nil {
		return nil, nil, err
	}

	event := &ClaimEvent{
		ID:             s.tx.nextID(),
		AccountID:      acc.ID,
		PurchaseID:     purchase.ID,
		Tier:           tier,
		PurchasePrice:  purchase.PurchasePrice,
		UnitsPurchased: purchase.UnitsPurchased,
		Payout:         verdict.Payout,
		LedgerEntryID:  entry.ID,
	}
	if err := st.log.AppendClaimEvent(ctx, event); err != nil {
		return nil, nil, err
	}

	return entry, event, nil
}

func claimResult(err error) string {
	switch {
	case err == nil:
		return "paid"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnknownTier):
		return "unknown_tier"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	default:
		return "error"
	}
}
