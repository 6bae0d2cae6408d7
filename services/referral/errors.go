package referral

import (
	"errors"
	"strings"

	"smallbiznis-referral/pkg/errutil"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyClaimed         = errors.New("milestone already claimed")
	ErrNotEligible            = errors.New("milestone not eligible")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrUnknownTier            = errors.New("unknown tier")
	ErrInvalidSponsor         = errors.New("invalid sponsor")
	ErrAccountExists          = errors.New("account already exists")
	ErrPurchaseExists         = errors.New("purchase already recorded")
)

func accountNotFound(id string) error {
	return errutil.NotFound("account not found", ErrNotFound, errutil.WithDetails(errutil.Detail{Field: "account_id", Message: id}))
}

func purchaseNotFound(id string) error {
	return errutil.NotFound("account has no purchase record", ErrNotFound, errutil.WithDetails(errutil.Detail{Field: "account_id", Message: id}))
}

func alreadyClaimed(tier Tier) error {
	return errutil.Conflict("milestone already claimed", ErrAlreadyClaimed, errutil.WithDetails(errutil.Detail{Field: "tier", Message: tier.String()}))
}

func notEligible(tier Tier, reason string) error {
	return errutil.UnprocessableEntity("milestone not eligible", ErrNotEligible, errutil.WithDetails(
		errutil.Detail{Field: "tier", Message: tier.String()},
		errutil.Detail{Field: "reason", Message: reason},
	))
}

func unknownTier(tier Tier) error {
	return errutil.BadRequest("unknown tier", ErrUnknownTier, errutil.WithDetails(errutil.Detail{Field: "tier", Message: tier.String()}))
}

func insufficientBalance() error {
	return errutil.UnprocessableEntity("balance would become negative", ErrInsufficientBalance)
}

func retriesExhausted(err error) error {
	return errutil.ServiceUnavailable("transaction retries exhausted", err)
}

func invalidSponsor(accountID, sponsorID, reason string) error {
	return errutil.BadRequest("invalid sponsor", ErrInvalidSponsor, errutil.WithDetails(
		errutil.Detail{Field: "account_id", Message: accountID},
		errutil.Detail{Field: "sponsor_id", Message: sponsorID},
		errutil.Detail{Field: "reason", Message: reason},
	))
}

func accountExists(id string) error {
	return errutil.Conflict("account already exists", ErrAccountExists, errutil.WithDetails(errutil.Detail{Field: "account_id", Message: id}))
}

func invalidField(field, message string) error {
	return errutil.ValidationFailed("invalid request", nil, errutil.WithDetails(errutil.Detail{Field: field, Message: message}))
}

// requireID rejects blank identifiers before they reach a query.
func requireID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalidField(field, "must not be empty")
	}
	return nil
}

func purchaseExists(id string) error {
	return errutil.Conflict("purchase already recorded", ErrPurchaseExists, errutil.WithDetails(errutil.Detail{Field: "purchase_id", Message: id}))
}
