package referral

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// subtree is the part of the referral forest below one account, loaded one
// level at a time: a single children query and a single latest-purchase query
// per depth.
type subtree struct {
	rootID string
	levels [][]*Account
	latest map[string]*PurchaseRecord
}

type loadOptions struct {
	depth        int
	housekeeping bool
}

func loadSubtree(ctx context.Context, st *stores, rootID string, opts loadOptions) (*subtree, error) {
	t := &subtree{
		rootID: rootID,
		latest: make(map[string]*PurchaseRecord),
	}

	visited := map[string]bool{rootID: true}
	frontier := []string{rootID}
	for d := 1; d <= opts.depth && len(frontier) > 0; d++ {
		children, err := st.accounts.Children(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("load depth %d below %s: %w", d, rootID, err)
		}

		level := make([]*Account, 0, len(children))
		ids := make([]string, 0, len(children))
		for _, child := range children {
			if visited[child.ID] {
				zap.L().Warn("referral cycle detected, skipping account",
					zap.String("root_id", rootID),
					zap.String("account_id", child.ID),
					zap.Int("depth", d),
				)
				continue
			}
			visited[child.ID] = true
			level = append(level, child)
			ids = append(ids, child.ID)
		}

		if opts.housekeeping {
			purgeGarbage(ctx, st, ids)
		}

		latest, err := st.purchases.LatestByOwners(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load purchases at depth %d below %s: %w", d, rootID, err)
		}
		for id, p := range latest {
			t.latest[id] = p
		}

		t.levels = append(t.levels, level)
		frontier = ids
	}

	return t, nil
}

// purgeGarbage is best-effort: a failure is logged and traversal continues.
func purgeGarbage(ctx context.Context, st *stores, ownerIDs []string) {
	n, err := st.purchases.PurgeGarbage(ctx, ownerIDs)
	if err != nil {
		zap.L().Warn("failed to purge exhausted secondary-market purchases", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Debug("purged exhausted secondary-market purchases", zap.Int64("rows", n))
	}
}

// atDepth returns the accounts exactly depth hops below the root.
func (t *subtree) atDepth(depth int) []*Account {
	if depth < 1 || depth > len(t.levels) {
		return nil
	}
	return t.levels[depth-1]
}

// cohortAtDepth keeps the accounts at depth whose latest purchase price
// equals price.
func (t *subtree) cohortAtDepth(depth int, price decimal.Decimal) []*Account {
	var out []*Account
	for _, acc := range t.atDepth(depth) {
		if p, ok := t.latest[acc.ID]; ok && p.PurchasePrice.Equal(price) {
			out = append(out, acc)
		}
	}
	return out
}

// cohortCounts returns the cohort size at every loaded depth, starting at 1.
func (t *subtree) cohortCounts(price decimal.Decimal) map[int]int {
	counts := make(map[int]int, len(t.levels))
	for d := 1; d <= len(t.levels); d++ {
		counts[d] = len(t.cohortAtDepth(d, price))
	}
	return counts
}

// DirectChildren lists the accounts sponsored by accountID.
func (s *Service) DirectChildren(ctx context.Context, accountID string) ([]*Account, error) {
	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	children, err := s.stores.accounts.Children(ctx, []string{accountID})
	if err != nil {
		s.logger(ctx).Error("failed to list direct children", zap.String("account_id", accountID), zap.Error(err))
		return nil, err
	}
	return children, nil
}

// LatestQualifyingPurchase returns the account's most recent purchase by
// creation time, or nil when it never purchased.
func (s *Service) LatestQualifyingPurchase(ctx context.Context, accountID string) (*PurchaseRecord, error) {
	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	return s.stores.purchases.Latest(ctx, accountID)
}

// CurrentReferencePrice is the price of the account's latest qualifying
// purchase. It is the key every cohort comparison for the account uses. ok is
// false when the account never purchased.
func (s *Service) CurrentReferencePrice(ctx context.Context, accountID string) (price decimal.Decimal, ok bool, err error) {
	if err := requireID("account_id", accountID); err != nil {
		return decimal.Zero, false, err
	}
	p, err := s.stores.purchases.Latest(ctx, accountID)
	if err != nil || p == nil {
		return decimal.Zero, false, err
	}
	return p.PurchasePrice, true, nil
}

// CohortDescendantsAtDepth returns the accounts exactly depth hops below
// accountID whose own reference price equals price.
func (s *Service) CohortDescendantsAtDepth(ctx context.Context, accountID string, depth int, price decimal.Decimal) ([]*Account, error) {
	if err := requireID("account_id", accountID); err != nil {
		return nil, err
	}
	if depth < 1 {
		return nil, nil
	}
	if depth > s.maxDepth {
		return nil, fmt.Errorf("depth %d exceeds configured maximum %d", depth, s.maxDepth)
	}

	t, err := loadSubtree(ctx, s.stores, accountID, loadOptions{depth: depth, housekeeping: s.housekeeping})
	if err != nil {
		s.logger(ctx).Error("failed to load subtree", zap.String("account_id", accountID), zap.Error(err))
		return nil, err
	}
	return t.cohortAtDepth(depth, price), nil
}
