package referral

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"smallbiznis-referral/pkg/db/option"
	"smallbiznis-referral/pkg/repository"
)

// ledgerIDDigits is the width of every snowflake id issued with the default
// epoch from mid-2018 until the id space runs out.
const ledgerIDDigits = 19

// qualifyingKinds are the purchase kinds that carry an account's reference
// price. Every kind qualifies.
var qualifyingKinds = []SourceKind{Direct, SecondaryMarket, ConversionAudit}

// garbageRow matches secondary-market rows whose units were all resold. They
// never carry a reference price and are removed by housekeeping.
const garbageRow = "units_purchased = 0 AND source_kind = ?"

func latestFirst(db *gorm.DB) *gorm.DB {
	return db.Order("created_at DESC").Order("id DESC")
}

// whereEq filters on one column. Lookups never use struct conditions, since
// gorm drops zero-valued fields from them and an empty id would match any row.
func whereEq(field string, value any) option.QueryOption {
	return option.ApplyOperator(option.Condition{Field: field, Operator: option.EQ, Value: value})
}

func qualifying(db *gorm.DB) *gorm.DB {
	return db.Where("source_kind IN ?", qualifyingKinds).Where("NOT ("+garbageRow+")", SecondaryMarket)
}

type accountStore struct {
	db   *gorm.DB
	repo repository.Repository[Account]
}

func (s *accountStore) Get(ctx context.Context, id string) (*Account, error) {
	return s.repo.FindOne(ctx, &Account{}, whereEq("id", id))
}

func (s *accountStore) Create(ctx context.Context, acc *Account) error {
	return s.repo.Create(ctx, acc)
}

// Children returns every account sponsored by one of sponsorIDs, in one query.
func (s *accountStore) Children(ctx context.Context, sponsorIDs []string) ([]*Account, error) {
	if len(sponsorIDs) == 0 {
		return nil, nil
	}
	return s.repo.Find(ctx, &Account{},
		option.ApplyOperator(option.Condition{Field: "sponsor_id", Operator: option.IN, Value: sponsorIDs}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
}

// AdjustBalance applies delta to acc if nobody else changed the row since it
// was read. acc is updated in place on success.
func (s *accountStore) AdjustBalance(ctx context.Context, acc *Account, delta decimal.Decimal) error {
	next := acc.Balance.Add(delta)
	if next.IsNegative() {
		return insufficientBalance()
	}
	if err := s.update(ctx, acc, map[string]any{"balance": next}); err != nil {
		return err
	}
	acc.Balance = next
	return nil
}

func (s *accountStore) Activate(ctx context.Context, acc *Account) error {
	if acc.IsActive() {
		return nil
	}
	if err := s.update(ctx, acc, map[string]any{"activation_status": Active}); err != nil {
		return err
	}
	acc.ActivationStatus = Active
	return nil
}

func (s *accountStore) update(ctx context.Context, acc *Account, values map[string]any) error {
	now := time.Now()
	values["version"] = gorm.Expr("version + 1")
	values["updated_at"] = now

	res := s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ? AND version = ?", acc.ID, acc.Version).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	acc.Version++
	acc.UpdatedAt = now
	return nil
}

type purchaseStore struct {
	db   *gorm.DB
	repo repository.Repository[PurchaseRecord]
}

func (s *purchaseStore) Get(ctx context.Context, id string) (*PurchaseRecord, error) {
	return s.repo.FindOne(ctx, &PurchaseRecord{}, whereEq("id", id))
}

// Latest is the account's most recent qualifying purchase, or nil.
func (s *purchaseStore) Latest(ctx context.Context, ownerID string) (*PurchaseRecord, error) {
	return s.repo.FindOne(ctx, &PurchaseRecord{}, whereEq("owner_id", ownerID), qualifying, latestFirst)
}

// LatestByOwners resolves the latest qualifying purchase of every owner in
// one query. Owners that never purchased are absent from the result.
func (s *purchaseStore) LatestByOwners(ctx context.Context, ownerIDs []string) (map[string]*PurchaseRecord, error) {
	out := make(map[string]*PurchaseRecord, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}

	rows, err := s.repo.Find(ctx, &PurchaseRecord{},
		option.ApplyOperator(option.Condition{Field: "owner_id", Operator: option.IN, Value: ownerIDs}),
		qualifying,
		latestFirst,
	)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if _, seen := out[row.OwnerID]; !seen {
			out[row.OwnerID] = row
		}
	}
	return out, nil
}

func (s *purchaseStore) Insert(ctx context.Context, p *PurchaseRecord) error {
	return s.repo.Create(ctx, p)
}

// MarkClaimed sets the tier flag on p under the same version check as
// account updates.
func (s *purchaseStore) MarkClaimed(ctx context.Context, p *PurchaseRecord, tier Tier) error {
	flags := datatypes.NewJSONType(p.withClaim(tier))
	res := s.db.WithContext(ctx).Model(&PurchaseRecord{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(map[string]any{
			"claim_flags": flags,
			"version":     gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	p.ClaimFlags = flags
	p.Version++
	return nil
}

// PurgeGarbage deletes exhausted secondary-market rows owned by ownerIDs.
func (s *purchaseStore) PurgeGarbage(ctx context.Context, ownerIDs []string) (int64, error) {
	if len(ownerIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("owner_id IN ?", ownerIDs).
		Where(garbageRow, SecondaryMarket).
		Delete(&PurchaseRecord{})
	return res.RowsAffected, res.Error
}

type transactionLog struct {
	entries repository.Repository[LedgerEntry]
	claims  repository.Repository[ClaimEvent]
}

func (l *transactionLog) Append(ctx context.Context, e *LedgerEntry) error {
	return l.entries.Create(ctx, e)
}

func (l *transactionLog) AppendClaimEvent(ctx context.Context, e *ClaimEvent) error {
	return l.claims.Create(ctx, e)
}

// Credits lists entries paid to accountID, newest first. Snowflake ids grow
// with time, so beforeID pages backwards through the log. The ids are stored
// as text and compared as text, which only orders them correctly while they
// all have ledgerIDDigits digits; ListLedger rejects cursors that do not.
func (l *transactionLog) Credits(ctx context.Context, accountID, beforeID string, limit int) ([]*LedgerEntry, error) {
	opts := []option.QueryOption{
		whereEq("to_account_id", accountID),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
		option.WithLimit(limit),
	}
	if beforeID != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "id", Operator: option.LT, Value: beforeID}))
	}
	return l.entries.Find(ctx, &LedgerEntry{}, opts...)
}

func (l *transactionLog) ClaimEvents(ctx context.Context, accountID string) ([]*ClaimEvent, error) {
	return l.claims.Find(ctx, &ClaimEvent{}, whereEq("account_id", accountID), latestFirst)
}

// stores bundles the three collaborators so one transaction handle can be
// threaded through all of them.
type stores struct {
	accounts  *accountStore
	purchases *purchaseStore
	log       *transactionLog
}

func newStores(db *gorm.DB) *stores {
	return &stores{
		accounts:  &accountStore{db: db, repo: repository.ProvideStore[Account](db)},
		purchases: &purchaseStore{db: db, repo: repository.ProvideStore[PurchaseRecord](db)},
		log: &transactionLog{
			entries: repository.ProvideStore[LedgerEntry](db),
			claims:  repository.ProvideStore[ClaimEvent](db),
		},
	}
}

func (s *stores) withTx(tx *gorm.DB) *stores {
	return &stores{
		accounts:  &accountStore{db: tx, repo: s.accounts.repo.WithTrx(tx)},
		purchases: &purchaseStore{db: tx, repo: s.purchases.repo.WithTrx(tx)},
		log: &transactionLog{
			entries: s.log.entries.WithTrx(tx),
			claims:  s.log.claims.WithTrx(tx),
		},
	}
}

// txRunner runs a body inside one database transaction and replays it when a
// version check fails. Other errors abort immediately.
type txRunner struct {
	db         *gorm.DB
	stores     *stores
	node       *snowflake.Node
	maxRetries int
	backoff    time.Duration
}

func (r *txRunner) run(ctx context.Context, fn func(st *stores) error) error {
	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			zap.L().Debug("retrying transaction after concurrent modification", zap.Int("attempt", attempt))
			if werr := r.wait(ctx, attempt); werr != nil {
				return werr
			}
		}

		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(r.stores.withTx(tx))
		})
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
	}
	return retriesExhausted(err)
}

func (r *txRunner) wait(ctx context.Context, attempt int) error {
	if r.backoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.backoff * time.Duration(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *txRunner) nextID() string {
	return r.node.Generate().String()
}
