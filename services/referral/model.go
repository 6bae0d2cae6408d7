package referral

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SystemAccountID is the sender of ledger entries that issue rewards rather
// than move money between two real accounts.
const SystemAccountID = "SYSTEM"

type ActivationStatus string

const (
	Inactive ActivationStatus = "inactive"
	Active   ActivationStatus = "active"
)

type SourceKind string

const (
	Direct          SourceKind = "direct"
	SecondaryMarket SourceKind = "secondary_market"
	ConversionAudit SourceKind = "conversion_audit"
)

func (k SourceKind) Valid() bool {
	switch k {
	case Direct, SecondaryMarket, ConversionAudit:
		return true
	default:
		return false
	}
}

type EntryKind string

const (
	PurchaseCommission EntryKind = "purchase_commission"
	MilestoneReward    EntryKind = "milestone_reward"
)

// Tier identifies a milestone. The set is fixed; only the rules behind each
// tier are configurable.
type Tier int

const (
	Tier130  Tier = 130
	Tier150  Tier = 150
	Tier200  Tier = 200
	Tier300  Tier = 300
	Tier500  Tier = 500
	Tier1000 Tier = 1000
)

var allTiers = []Tier{Tier130, Tier150, Tier200, Tier300, Tier500, Tier1000}

func (t Tier) Valid() bool {
	for _, known := range allTiers {
		if t == known {
			return true
		}
	}
	return false
}

func (t Tier) String() string {
	return fmt.Sprintf("%d", int(t))
}

// ClaimFlags records, per tier, whether the milestone has been paid for the
// purchase that carries it.
type ClaimFlags map[Tier]bool

type Account struct {
	ID               string           `gorm:"column:id;primaryKey;type:varchar(64)" json:"id"`
	SponsorID        *string          `gorm:"column:sponsor_id;index;type:varchar(64)" json:"sponsor_id"`
	Balance          decimal.Decimal  `gorm:"column:balance;type:numeric(20,8);not null" json:"balance"`
	ActivationStatus ActivationStatus `gorm:"column:activation_status;type:varchar(16);not null" json:"activation_status"`
	Version          int64            `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt        time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (Account) TableName() string { return "referral_accounts" }

func (a *Account) IsActive() bool { return a.ActivationStatus == Active }

type PurchaseRecord struct {
	ID             string                         `gorm:"column:id;primaryKey;type:varchar(64)" json:"id"`
	OwnerID        string                         `gorm:"column:owner_id;index:idx_purchase_owner_created,priority:1;type:varchar(64);not null" json:"owner_id"`
	PurchasePrice  decimal.Decimal                `gorm:"column:purchase_price;type:numeric(20,8);not null" json:"purchase_price"`
	UnitsPurchased int64                          `gorm:"column:units_purchased;not null" json:"units_purchased"`
	SourceKind     SourceKind                     `gorm:"column:source_kind;type:varchar(32);not null" json:"source_kind"`
	ClaimFlags     datatypes.JSONType[ClaimFlags] `gorm:"column:claim_flags" json:"claim_flags"`
	Version        int64                          `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt      time.Time                      `gorm:"column:created_at;index:idx_purchase_owner_created,priority:2" json:"created_at"`
}

func (PurchaseRecord) TableName() string { return "referral_purchases" }

func (p *PurchaseRecord) Claimed(tier Tier) bool {
	return p.ClaimFlags.Data()[tier]
}

// withClaim returns a copy of the flags with tier set. The stored map is never
// mutated in place.
func (p *PurchaseRecord) withClaim(tier Tier) ClaimFlags {
	current := p.ClaimFlags.Data()
	flags := make(ClaimFlags, len(current)+1)
	for k, v := range current {
		flags[k] = v
	}
	flags[tier] = true
	return flags
}

// ClaimedTiers lists the tiers already paid for this purchase in ascending order.
func (p *PurchaseRecord) ClaimedTiers() []Tier {
	var out []Tier
	for tier, claimed := range p.ClaimFlags.Data() {
		if claimed {
			out = append(out, tier)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type EntryMetadata struct {
	Tier                 Tier             `json:"tier,omitempty"`
	CommissionPercentage *decimal.Decimal `json:"commission_percentage,omitempty"`
	PurchaseID           string           `json:"purchase_id,omitempty"`
}

var ErrImmutable = errors.New("record is append-only")

type LedgerEntry struct {
	ID            string                            `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	FromAccountID string                            `gorm:"column:from_account_id;index;type:varchar(64);not null" json:"from_account_id"`
	ToAccountID   string                            `gorm:"column:to_account_id;index;type:varchar(64);not null" json:"to_account_id"`
	Amount        decimal.Decimal                   `gorm:"column:amount;type:numeric(20,8);not null" json:"amount"`
	Kind          EntryKind                         `gorm:"column:kind;type:varchar(32);not null" json:"kind"`
	Metadata      datatypes.JSONType[EntryMetadata] `gorm:"column:metadata" json:"metadata"`
	CreatedAt     time.Time                         `gorm:"column:created_at;index" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "referral_ledger_entries" }

func (e *LedgerEntry) BeforeCreate(*gorm.DB) error {
	if !e.Amount.IsPositive() {
		return fmt.Errorf("ledger entry %s: amount must be positive, got %s", e.ID, e.Amount)
	}
	return nil
}

func (*LedgerEntry) BeforeUpdate(*gorm.DB) error { return ErrImmutable }
func (*LedgerEntry) BeforeDelete(*gorm.DB) error { return ErrImmutable }

// ClaimEvent is the audit trail of a milestone payout. One row per
// (purchase, tier); the unique index backs up the claim flag.
type ClaimEvent struct {
	ID             string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	AccountID      string          `gorm:"column:account_id;index;type:varchar(64);not null" json:"account_id"`
	PurchaseID     string          `gorm:"column:purchase_id;uniqueIndex:idx_claim_purchase_tier,priority:1;type:varchar(64);not null" json:"purchase_id"`
	Tier           Tier            `gorm:"column:tier;uniqueIndex:idx_claim_purchase_tier,priority:2;not null" json:"tier"`
	PurchasePrice  decimal.Decimal `gorm:"column:purchase_price;type:numeric(20,8);not null" json:"purchase_price"`
	UnitsPurchased int64           `gorm:"column:units_purchased;not null" json:"units_purchased"`
	Payout         decimal.Decimal `gorm:"column:payout;type:numeric(20,8);not null" json:"payout"`
	LedgerEntryID  string          `gorm:"column:ledger_entry_id;type:varchar(32);not null" json:"ledger_entry_id"`
	CreatedAt      time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (ClaimEvent) TableName() string { return "referral_claim_events" }

func (*ClaimEvent) BeforeUpdate(*gorm.DB) error { return ErrImmutable }
func (*ClaimEvent) BeforeDelete(*gorm.DB) error { return ErrImmutable }

// Models lists every table owned by the referral service, for migrations.
func Models() []any {
	return []any{&Account{}, &PurchaseRecord{}, &LedgerEntry{}, &ClaimEvent{}}
}
