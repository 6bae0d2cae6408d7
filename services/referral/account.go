package referral

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// CreateAccount registers an account under an optional sponsor. The sponsor
// must already exist and the new account must not appear in its ancestry, so
// sponsor links always form a forest.
func (s *Service) CreateAccount(ctx context.Context, id string, sponsorID *string) (*Account, error) {
	ctx, span := s.tracer.Start(ctx, "referral.CreateAccount")
	defer span.End()

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalidField("id", "must not be empty")
	}
	if id == SystemAccountID {
		return nil, invalidField("id", "reserved")
	}
	if sponsorID != nil {
		if err := requireID("sponsor_id", *sponsorID); err != nil {
			return nil, err
		}
	}

	acc := &Account{
		ID:               id,
		SponsorID:        sponsorID,
		Balance:          decimal.Zero,
		ActivationStatus: Inactive,
	}
	err := s.tx.run(ctx, func(st *stores) error {
		existing, err := st.accounts.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return accountExists(id)
		}
		if sponsorID != nil {
			if err := checkSponsor(ctx, st, id, *sponsorID); err != nil {
				return err
			}
		}
		return st.accounts.Create(ctx, acc)
	})
	if err != nil {
		s.logger(ctx).Warn("failed to create account", zap.String("account_id", id), zap.Error(err))
		return nil, err
	}
	return acc, nil
}

func checkSponsor(ctx context.Context, st *stores, id, sponsorID string) error {
	if sponsorID == id {
		return invalidSponsor(id, sponsorID, "account cannot sponsor itself")
	}

	visited := map[string]bool{}
	cursor := sponsorID
	for {
		if cursor == id {
			return invalidSponsor(id, sponsorID, "sponsor chain would form a cycle")
		}
		if visited[cursor] {
			// A pre-existing loop above the sponsor; it cannot reach id.
			return nil
		}
		visited[cursor] = true

		ancestor, err := st.accounts.Get(ctx, cursor)
		if err != nil {
			return err
		}
		if ancestor == nil {
			if cursor == sponsorID {
				return invalidSponsor(id, sponsorID, "sponsor does not exist")
			}
			return nil
		}
		if ancestor.SponsorID == nil {
			return nil
		}
		cursor = *ancestor.SponsorID
	}
}

// PurchaseParams describes a purchase to record. ID is optional; callers that
// may deliver the same purchase twice pass a stable ID so the replay is
// rejected. CommissionPercentage overrides the configured rate.
type PurchaseParams struct {
	ID                   string
	OwnerID              string
	PurchasePrice        decimal.Decimal
	UnitsPurchased       int64
	SourceKind           SourceKind
	CommissionPercentage *decimal.Decimal
}

// RecordPurchase stores a purchase, activates its owner and, for direct
// purchases, pays the sponsor commission at the configured rate. A failed
// commission never fails the purchase.
func (s *Service) RecordPurchase(ctx context.Context, p PurchaseParams) (*PurchaseRecord, error) {
	ctx, span := s.tracer.Start(ctx, "referral.RecordPurchase")
	defer span.End()

	log := s.logger(ctx).With(zap.String("account_id", p.OwnerID), zap.String("source_kind", string(p.SourceKind)))

	if err := requireID("owner_id", p.OwnerID); err != nil {
		return nil, err
	}
	switch {
	case !p.SourceKind.Valid():
		return nil, invalidField("source_kind", "unknown source kind")
	case p.PurchasePrice.IsNegative():
		return nil, invalidField("purchase_price", "must not be negative")
	case p.UnitsPurchased < 0:
		return nil, invalidField("units_purchased", "must not be negative")
	case p.CommissionPercentage != nil && validPercentage(*p.CommissionPercentage) != nil:
		return nil, invalidField("commission_percentage", "must be within [0, 1]")
	}

	if p.ID == "" {
		p.ID = s.tx.nextID()
	}
	record := &PurchaseRecord{
		ID:             p.ID,
		OwnerID:        p.OwnerID,
		PurchasePrice:  p.PurchasePrice,
		UnitsPurchased: p.UnitsPurchased,
		SourceKind:     p.SourceKind,
		ClaimFlags:     datatypes.NewJSONType(ClaimFlags{}),
	}
	err := s.tx.run(ctx, func(st *stores) error {
		owner, err := st.accounts.Get(ctx, p.OwnerID)
		if err != nil {
			return err
		}
		if owner == nil {
			return accountNotFound(p.OwnerID)
		}
		dup, err := st.purchases.Get(ctx, record.ID)
		if err != nil {
			return err
		}
		if dup != nil {
			return purchaseExists(record.ID)
		}
		if err := st.purchases.Insert(ctx, record); err != nil {
			return err
		}
		if record.UnitsPurchased == 0 && record.SourceKind == SecondaryMarket {
			return nil
		}
		return st.accounts.Activate(ctx, owner)
	})
	if err != nil {
		log.Error("failed to record purchase", zap.Error(err))
		return nil, err
	}
	log.Info("purchase recorded", zap.String("purchase_id", record.ID), zap.String("purchase_price", record.PurchasePrice.String()))

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, p.OwnerID); err != nil {
			log.Warn("failed to invalidate progress cache", zap.Error(err))
		}
	}

	if record.SourceKind == Direct {
		pct := s.commission
		if p.CommissionPercentage != nil {
			pct = *p.CommissionPercentage
		}
		s.OnPurchase(ctx, record.OwnerID, record.PurchasePrice, pct)
	}
	return record, nil
}

// DefaultCommissionPercentage is the rate used when a purchase event does not
// carry its own.
func (s *Service) DefaultCommissionPercentage() decimal.Decimal { return s.commission }
