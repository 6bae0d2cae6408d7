package referral

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"smallbiznis-referral/pkg/db/pagination"
)

// EvaluateTier reports whether accountID could claim tier right now. It
// writes nothing except best-effort housekeeping and the progress cache.
func (s *Service) EvaluateTier(ctx context.Context, accountID string, tier Tier) (Eligibility, error) {
	if err := requireID("account_id", accountID); err != nil {
		return Eligibility{}, err
	}
	if !tier.Valid() {
		return Eligibility{}, unknownTier(tier)
	}

	if cached := s.cached(ctx, accountID, tier); cached != nil {
		return *cached, nil
	}

	out, err := s.evaluateShared(ctx, accountID, []Tier{tier})
	if err != nil {
		return Eligibility{}, err
	}
	return out[0], nil
}

// EvaluateAll reports every tier for accountID in ascending order, loading
// the subtree once. Tiers without a configured rule are reported as not
// eligible.
func (s *Service) EvaluateAll(ctx context.Context, accountID string) ([]Eligibility, error) {
	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	out := make([]Eligibility, 0, len(allTiers))
	for _, tier := range allTiers {
		cached := s.cached(ctx, accountID, tier)
		if cached == nil {
			return s.evaluateShared(ctx, accountID, allTiers)
		}
		out = append(out, *cached)
	}
	return out, nil
}

// evaluateShared collapses concurrent identical evaluations into one
// traversal. The traversal outlives any single caller's cancellation; each
// caller stops waiting on its own ctx.
func (s *Service) evaluateShared(ctx context.Context, accountID string, tiers []Tier) ([]Eligibility, error) {
	key := fmt.Sprintf("%s:%v", accountID, tiers)
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.evaluate(shared, accountID, tiers)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Eligibility), nil
	}
}

func (s *Service) evaluate(ctx context.Context, accountID string, tiers []Tier) ([]Eligibility, error) {
	ctx, span := s.tracer.Start(ctx, "referral.Evaluate")
	defer span.End()

	log := s.logger(ctx).With(zap.String("account_id", accountID))

	acc, err := s.stores.accounts.Get(ctx, accountID)
	if err != nil {
		log.Error("failed to load account", zap.Error(err))
		return nil, err
	}
	if acc == nil {
		return nil, accountNotFound(accountID)
	}

	if s.housekeeping {
		purgeGarbage(ctx, s.stores, []string{accountID})
	}
	purchase, err := s.stores.purchases.Latest(ctx, accountID)
	if err != nil {
		log.Error("failed to load latest purchase", zap.Error(err))
		return nil, err
	}

	depth := 0
	for _, tier := range tiers {
		if rule, ok := s.rules.rule(tier); ok {
			depth = max(depth, rule.maxDepth)
		}
	}

	var counts map[int]int
	if purchase != nil && depth > 0 {
		tree, err := loadSubtree(ctx, s.stores, accountID, loadOptions{depth: depth, housekeeping: s.housekeeping})
		if err != nil {
			log.Error("failed to load subtree", zap.Error(err))
			return nil, err
		}
		counts = tree.cohortCounts(purchase.PurchasePrice)
	}

	out := make([]Eligibility, 0, len(tiers))
	for _, tier := range tiers {
		e, err := s.rules.evaluate(tier, purchase, counts, s.precision)
		if err != nil {
			log.Error("failed to evaluate tier", zap.Int("tier", int(tier)), zap.Error(err))
			return nil, err
		}
		out = append(out, e)
		s.store(ctx, accountID, e)
	}
	return out, nil
}

func (s *Service) cached(ctx context.Context, accountID string, tier Tier) *Eligibility {
	if s.cache == nil {
		return nil
	}
	e, err := s.cache.Get(ctx, accountID, tier)
	if err != nil {
		s.logger(ctx).Warn("progress cache read failed", zap.String("account_id", accountID), zap.Error(err))
		return nil
	}
	return e
}

func (s *Service) store(ctx context.Context, accountID string, e Eligibility) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, accountID, e); err != nil {
		s.logger(ctx).Warn("progress cache write failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

// ListLedger returns one page of ledger entries credited to accountID,
// newest first.
func (s *Service) ListLedger(ctx context.Context, accountID string, page pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error) {
	if err := requireID("account_id", accountID); err != nil {
		return nil, nil, err
	}
	page = page.Normalize()

	var beforeID string
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, invalidField("cursor", err.Error())
		}
		if _, err := snowflake.ParseString(cursor.ID); err != nil || len(cursor.ID) != ledgerIDDigits {
			return nil, nil, invalidField("cursor", "does not point at a ledger entry")
		}
		beforeID = cursor.ID
	}

	entries, err := s.stores.log.Credits(ctx, accountID, beforeID, page.Limit+1)
	if err != nil {
		s.logger(ctx).Error("failed to list ledger entries", zap.String("account_id", accountID), zap.Error(err))
		return nil, nil, err
	}
	return pagination.BuildCursorPage(entries, page.Limit, func(e *LedgerEntry) string { return e.ID })
}

// ListClaimEvents returns the milestone claims of accountID, newest first.
func (s *Service) ListClaimEvents(ctx context.Context, accountID string) ([]*ClaimEvent, error) {
	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	return s.stores.log.ClaimEvents(ctx, accountID)
}
