package referral_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/services/referral"
	"smallbiznis-referral/services/referral/mocks"
	"smallbiznis-referral/services/testutil"
)

func newCachedService(t *testing.T, cache referral.ProgressCache) *referral.Service {
	t.Helper()

	db := testutil.NewTestDB(t, referral.Models()...)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Referral = config.Referral{CommissionPercentage: "0.10", Precision: 2, MaxDepth: 4, MaxRetries: 3}

	svc, err := referral.NewService(referral.ServiceParams{DB: db, Node: node, Config: cfg, Cache: cache})
	require.NoError(t, err)
	return svc
}

func TestEvaluateTierReadsThroughCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockProgressCache(ctrl)
	svc := newCachedService(t, cache)
	ctx := context.Background()

	cache.EXPECT().Invalidate(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	_, err := svc.CreateAccount(ctx, "root", nil)
	require.NoError(t, err)
	_, err = svc.RecordPurchase(ctx, referral.PurchaseParams{
		OwnerID:        "root",
		PurchasePrice:  decimal.NewFromInt(300),
		UnitsPurchased: 1,
		SourceKind:     referral.SecondaryMarket,
	})
	require.NoError(t, err)

	gomock.InOrder(
		cache.EXPECT().Get(gomock.Any(), "root", referral.Tier130).Return(nil, nil),
		cache.EXPECT().Set(gomock.Any(), "root", gomock.Any()).DoAndReturn(
			func(_ context.Context, _ string, e referral.Eligibility) error {
				require.Equal(t, referral.Tier130, e.Tier)
				require.False(t, e.Eligible)
				return nil
			}),
	)
	e, err := svc.EvaluateTier(ctx, "root", referral.Tier130)
	require.NoError(t, err)
	require.False(t, e.Eligible)

	hit := &referral.Eligibility{Tier: referral.Tier130, Eligible: true, Payout: decimal.NewFromInt(90)}
	cache.EXPECT().Get(gomock.Any(), "root", referral.Tier130).Return(hit, nil)
	e, err = svc.EvaluateTier(ctx, "root", referral.Tier130)
	require.NoError(t, err)
	require.True(t, e.Eligible)
}

func TestCacheFailuresFallBackToStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockProgressCache(ctrl)
	svc := newCachedService(t, cache)
	ctx := context.Background()

	down := errors.New("cache down")
	cache.EXPECT().Invalidate(gomock.Any(), gomock.Any()).Return(down).AnyTimes()
	cache.EXPECT().Get(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, down).AnyTimes()
	cache.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any()).Return(down).AnyTimes()

	_, err := svc.CreateAccount(ctx, "root", nil)
	require.NoError(t, err)
	for _, kid := range []string{"a", "b"} {
		sponsor := "root"
		_, err = svc.CreateAccount(ctx, kid, &sponsor)
		require.NoError(t, err)
	}
	for _, owner := range []string{"root", "a", "b"} {
		_, err = svc.RecordPurchase(ctx, referral.PurchaseParams{
			OwnerID:        owner,
			PurchasePrice:  decimal.NewFromInt(300),
			UnitsPurchased: 1,
			SourceKind:     referral.SecondaryMarket,
		})
		require.NoError(t, err)
	}

	all, err := svc.EvaluateAll(ctx, "root")
	require.NoError(t, err)
	require.True(t, all[0].Eligible)

	payout, err := svc.TryClaimTier(ctx, "root", referral.Tier130)
	require.NoError(t, err)
	require.True(t, payout.Equal(decimal.NewFromInt(90)))
}

func TestClaimInvalidatesCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockProgressCache(ctrl)
	svc := newCachedService(t, cache)
	ctx := context.Background()

	cache.EXPECT().Invalidate(gomock.Any(), gomock.Not("root")).Return(nil).AnyTimes()
	cache.EXPECT().Invalidate(gomock.Any(), "root").Return(nil).Times(2)

	_, err := svc.CreateAccount(ctx, "root", nil)
	require.NoError(t, err)
	for _, kid := range []string{"a", "b"} {
		sponsor := "root"
		_, err = svc.CreateAccount(ctx, kid, &sponsor)
		require.NoError(t, err)
	}
	for _, owner := range []string{"root", "a", "b"} {
		_, err = svc.RecordPurchase(ctx, referral.PurchaseParams{
			OwnerID:        owner,
			PurchasePrice:  decimal.NewFromInt(300),
			UnitsPurchased: 1,
			SourceKind:     referral.SecondaryMarket,
		})
		require.NoError(t, err)
	}

	_, err = svc.TryClaimTier(ctx, "root", referral.Tier130)
	require.NoError(t, err)
}
