package referral

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"smallbiznis-referral/pkg/errutil"
)

func TestTryClaimTier130(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	f.team("kid", "root", 2, "300")

	payout, err := f.svc.TryClaimTier(f.ctx, "root", Tier130)
	require.NoError(t, err)
	requireDecimal(t, "90.00", payout)
	requireDecimal(t, "90", f.balance("root"))

	rewards := f.entries("root", MilestoneReward)
	require.Len(t, rewards, 1)
	require.Equal(t, SystemAccountID, rewards[0].FromAccountID)
	requireDecimal(t, "90", rewards[0].Amount)
	require.Equal(t, Tier130, rewards[0].Metadata.Data().Tier)

	latest, err := f.svc.LatestQualifyingPurchase(f.ctx, "root")
	require.NoError(t, err)
	require.True(t, latest.Claimed(Tier130))
	require.False(t, latest.Claimed(Tier200))
	require.Equal(t, rewards[0].Metadata.Data().PurchaseID, latest.ID)

	events, err := f.svc.ListClaimEvents(f.ctx, "root")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, latest.ID, events[0].PurchaseID)
	require.Equal(t, rewards[0].ID, events[0].LedgerEntryID)
	requireDecimal(t, "90", events[0].Payout)
}

func TestTryClaimTierIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	f.team("kid", "root", 2, "300")

	_, err := f.svc.TryClaimTier(f.ctx, "root", Tier130)
	require.NoError(t, err)

	payout, err := f.svc.TryClaimTier(f.ctx, "root", Tier130)
	require.True(t, errors.Is(err, ErrAlreadyClaimed))
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
	require.True(t, payout.IsZero())

	requireDecimal(t, "90", f.balance("root"))
	require.Len(t, f.entries("root", MilestoneReward), 1)
}

func TestTryClaimTierNewPurchaseResetsFlags(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	f.team("kid", "root", 2, "300")

	_, err := f.svc.TryClaimTier(f.ctx, "root", Tier130)
	require.NoError(t, err)

	f.holding("root", "300")
	_, err = f.svc.TryClaimTier(f.ctx, "root", Tier130)
	require.NoError(t, err)
	requireDecimal(t, "180", f.balance("root"))
}

func TestTryClaimTierRejects(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	f.member("kid", "root", "300")
	f.team("cheap", "root", 5, "100")
	f.account("idle", "")

	cases := []struct {
		name    string
		account string
		tier    Tier
		target  error
		status  errutil.CoreStatus
	}{
		{"one matching child", "root", Tier130, ErrNotEligible, errutil.StatusUnprocessableEntity},
		{"tier 200 not reached", "root", Tier200, ErrNotEligible, errutil.StatusUnprocessableEntity},
		{"tier not configured", "root", Tier500, ErrNotEligible, errutil.StatusUnprocessableEntity},
		{"unknown tier", "root", Tier(42), ErrUnknownTier, errutil.StatusBadRequest},
		{"unknown account", "ghost", Tier130, ErrNotFound, errutil.StatusNotFound},
		{"no purchase", "idle", Tier130, ErrNotFound, errutil.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.TryClaimTier(f.ctx, tc.account, tc.tier)
			require.True(t, errors.Is(err, tc.target), "got %v", err)
			require.Equal(t, tc.status, errutil.StatusOf(err))
		})
	}

	requireDecimal(t, "0", f.balance("root"))
	require.Empty(t, f.entries("root", MilestoneReward))
}

func TestTryClaimTier200DeepBranch(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "200")
	level1 := f.team("l1", "root", 4, "200")
	level2 := f.team("l2", level1[0], 4, "200")
	f.team("l3a", level2[0], 4, "200")
	f.team("l3b", level2[1], 4, "200")

	got, err := f.svc.EvaluateTier(f.ctx, "root", Tier200)
	require.NoError(t, err)
	require.True(t, got.Eligible)
	require.Equal(t, map[int]int{1: 4, 2: 4, 3: 8}, got.Counts)

	payout, err := f.svc.TryClaimTier(f.ctx, "root", Tier200)
	require.NoError(t, err)
	requireDecimal(t, "200", payout)

	// Tier 130 is independent of tier 200 on the same purchase.
	payout, err = f.svc.TryClaimTier(f.ctx, "root", Tier130)
	require.NoError(t, err)
	requireDecimal(t, "60", payout)
	requireDecimal(t, "260", f.balance("root"))
}

func TestTryClaimTierConcurrent(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	f.team("kid", "root", 2, "300")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		paid    int
		claimed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.TryClaimTier(f.ctx, "root", Tier130)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				paid++
			case errors.Is(err, ErrAlreadyClaimed):
				claimed++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, paid)
	require.Equal(t, workers-1, claimed)
	requireDecimal(t, "90", f.balance("root"))
	require.Len(t, f.entries("root", MilestoneReward), 1)
}

// conflictOnce bumps the account's version right before the first versioned
// balance update, as if another transaction had committed between the
// claim's read and its write. It counts every balance update attempted.
func conflictOnce(t *testing.T, db *gorm.DB, accountID string) *atomic.Int32 {
	t.Helper()

	var (
		once     sync.Once
		attempts atomic.Int32
	)
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("test:conflict_once", func(tx *gorm.DB) {
		if tx.Statement.Table != (Account{}).TableName() {
			return
		}
		attempts.Add(1)
		once.Do(func() {
			err := tx.Session(&gorm.Session{NewDB: true}).
				Exec("UPDATE "+(Account{}).TableName()+" SET version = version + 1 WHERE id = ?", accountID).Error
			if err != nil {
				_ = tx.AddError(err)
			}
		})
	}))
	t.Cleanup(func() { _ = db.Callback().Update().Remove("test:conflict_once") })
	return &attempts
}

func TestTryClaimTierRetriesAfterConflictingWrite(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	f.team("kid", "root", 2, "300")
	attempts := conflictOnce(t, f.db, "root")

	payout, err := f.svc.TryClaimTier(f.ctx, "root", Tier130)
	require.NoError(t, err)
	requireDecimal(t, "90", payout)
	require.Equal(t, int32(2), attempts.Load())

	requireDecimal(t, "90", f.balance("root"))
	require.Len(t, f.entries("root", MilestoneReward), 1)
	events, err := f.svc.ListClaimEvents(f.ctx, "root")
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = f.svc.TryClaimTier(f.ctx, "root", Tier130)
	require.True(t, errors.Is(err, ErrAlreadyClaimed))
	requireDecimal(t, "90", f.balance("root"))
}

func TestTryClaimTierDifferentTiersConcurrently(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	f.team("kid", "root", 6, "300")
	attempts := conflictOnce(t, f.db, "root")

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, 2)
	)
	for _, tier := range []Tier{Tier130, Tier200} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.TryClaimTier(f.ctx, "root", tier)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), attempts.Load())

	requireDecimal(t, "390", f.balance("root"))
	require.Len(t, f.entries("root", MilestoneReward), 2)

	latest, err := f.svc.LatestQualifyingPurchase(f.ctx, "root")
	require.NoError(t, err)
	require.ElementsMatch(t, []Tier{Tier130, Tier200}, latest.ClaimedTiers())
}

func TestTryClaimTierRollsBackOnLedgerFailure(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	f.team("kid", "root", 2, "300")

	ledgerDown := errors.New("ledger unavailable")
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_ledger", func(tx *gorm.DB) {
		if tx.Statement.Table == (LedgerEntry{}).TableName() {
			_ = tx.AddError(ledgerDown)
		}
	}))

	_, err := f.svc.TryClaimTier(f.ctx, "root", Tier130)
	require.True(t, errors.Is(err, ledgerDown))

	requireDecimal(t, "0", f.balance("root"))
	latest, err := f.svc.LatestQualifyingPurchase(f.ctx, "root")
	require.NoError(t, err)
	require.False(t, latest.Claimed(Tier130))

	events, err := f.svc.ListClaimEvents(f.ctx, "root")
	require.NoError(t, err)
	require.Empty(t, events)

	require.NoError(t, f.db.Callback().Create().Remove("test:fail_ledger"))

	_, err = f.svc.TryClaimTier(f.ctx, "root", Tier130)
	require.NoError(t, err)
	requireDecimal(t, "90", f.balance("root"))
}

func TestClaimMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	f := newFixture(t, func(p *ServiceParams) { p.Metrics = metrics })
	f.member("sponsor", "", "300")
	f.account("buyer", "sponsor")
	f.team("kid", "sponsor", 1, "300")

	_, err = f.svc.RecordPurchase(f.ctx, PurchaseParams{
		OwnerID:        "buyer",
		PurchasePrice:  dec("300"),
		UnitsPurchased: 1,
		SourceKind:     Direct,
	})
	require.NoError(t, err)

	_, err = f.svc.TryClaimTier(f.ctx, "sponsor", Tier130)
	require.NoError(t, err)
	_, err = f.svc.TryClaimTier(f.ctx, "sponsor", Tier130)
	require.Error(t, err)
	_, err = f.svc.TryClaimTier(f.ctx, "sponsor", Tier500)
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.commissions.WithLabelValues(commissionPaid)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.claims.WithLabelValues("130", "paid")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.claims.WithLabelValues("130", "already_claimed")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.claims.WithLabelValues("500", "not_eligible")))
	require.Equal(t, 90.0, testutil.ToFloat64(metrics.payouts.WithLabelValues(string(MilestoneReward))))
	require.Equal(t, 30.0, testutil.ToFloat64(metrics.payouts.WithLabelValues(string(PurchaseCommission))))
}
