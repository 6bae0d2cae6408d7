package referral

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/services/testutil"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Referral = config.Referral{
		CommissionPercentage: "0.10",
		Precision:            2,
		MaxDepth:             8,
		MaxRetries:           5,
		Housekeeping:         true,
	}
	return cfg
}

type fixture struct {
	t   *testing.T
	ctx context.Context
	db  *gorm.DB
	svc *Service
}

func newFixture(t *testing.T, opts ...func(*ServiceParams)) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	p := ServiceParams{DB: db, Node: node, Config: testConfig()}
	for _, opt := range opts {
		opt(&p)
	}
	svc, err := NewService(p)
	require.NoError(t, err)

	return &fixture{t: t, ctx: context.Background(), db: db, svc: svc}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func (f *fixture) account(id, sponsor string) *Account {
	f.t.Helper()
	var sponsorID *string
	if sponsor != "" {
		sponsorID = &sponsor
	}
	acc, err := f.svc.CreateAccount(f.ctx, id, sponsorID)
	require.NoError(f.t, err)
	return acc
}

// holding records a secondary-market purchase: it activates the owner and
// sets its reference price without paying any commission.
func (f *fixture) holding(owner, price string) *PurchaseRecord {
	f.t.Helper()
	p, err := f.svc.RecordPurchase(f.ctx, PurchaseParams{
		OwnerID:        owner,
		PurchasePrice:  dec(price),
		UnitsPurchased: 1,
		SourceKind:     SecondaryMarket,
	})
	require.NoError(f.t, err)
	return p
}

// member creates an account under sponsor holding a unit at price.
func (f *fixture) member(id, sponsor, price string) {
	f.t.Helper()
	f.account(id, sponsor)
	f.holding(id, price)
}

// team adds n members under sponsor, all holding at price, with ids
// prefix-0 .. prefix-(n-1).
func (f *fixture) team(prefix, sponsor string, n int, price string) []string {
	f.t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := prefix + "-" + string(rune('a'+i))
		f.member(id, sponsor, price)
		ids = append(ids, id)
	}
	return ids
}

func (f *fixture) balance(id string) decimal.Decimal {
	f.t.Helper()
	var acc Account
	require.NoError(f.t, f.db.First(&acc, "id = ?", id).Error)
	return acc.Balance
}

func (f *fixture) entries(to string, kind EntryKind) []LedgerEntry {
	f.t.Helper()
	var out []LedgerEntry
	require.NoError(f.t, f.db.Where("to_account_id = ? AND kind = ?", to, kind).Find(&out).Error)
	return out
}
