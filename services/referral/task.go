package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-referral/pkg/errutil"
	"smallbiznis-referral/pkg/taskname"
)

const (
	TypePurchaseCompleted = taskname.PurchaseCompleted
	TypeMilestoneClaimed  = taskname.ReferralMilestoneClaimed
)

// PurchaseCompletedPayload is emitted by the purchase flow once a purchase
// is settled. PurchaseID makes redelivery harmless.
type PurchaseCompletedPayload struct {
	PurchaseID           string           `json:"purchase_id"`
	BuyerID              string           `json:"buyer_id"`
	PurchasePrice        decimal.Decimal  `json:"purchase_price"`
	UnitsPurchased       int64            `json:"units_purchased"`
	SourceKind           SourceKind       `json:"source_kind,omitempty"`
	CommissionPercentage *decimal.Decimal `json:"commission_percentage,omitempty"`
	TraceID              string           `json:"trace_id,omitempty"`
}

type MilestoneClaimedPayload struct {
	ClaimEventID  string          `json:"claim_event_id"`
	AccountID     string          `json:"account_id"`
	Tier          Tier            `json:"tier"`
	Payout        decimal.Decimal `json:"payout"`
	LedgerEntryID string          `json:"ledger_entry_id"`
}

func NewPurchaseCompletedTask(p PurchaseCompletedPayload) (*asynq.Task, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePurchaseCompleted, raw), nil
}

func (s *Service) publishClaimed(ctx context.Context, event *ClaimEvent) {
	if s.tasks == nil {
		return
	}
	raw, err := json.Marshal(MilestoneClaimedPayload{
		ClaimEventID:  event.ID,
		AccountID:     event.AccountID,
		Tier:          event.Tier,
		Payout:        event.Payout,
		LedgerEntryID: event.LedgerEntryID,
	})
	if err != nil {
		s.logger(ctx).Error("failed to encode milestone claimed event", zap.Error(err))
		return
	}
	if _, err := s.tasks.Enqueue(ctx, asynq.NewTask(TypeMilestoneClaimed, raw), asynq.Queue(taskname.QueueLow)); err != nil {
		s.logger(ctx).Warn("failed to publish milestone claimed event", zap.String("claim_event_id", event.ID), zap.Error(err))
	}
}

type TaskHandler struct {
	svc *Service
}

func NewTaskHandler(svc *Service) *TaskHandler {
	return &TaskHandler{svc: svc}
}

// HandlePurchaseCompleted records the purchase, which in turn pays the
// sponsor commission for direct purchases.
func (h *TaskHandler) HandlePurchaseCompleted(ctx context.Context, t *asynq.Task) error {
	var payload PurchaseCompletedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.SourceKind == "" {
		payload.SourceKind = Direct
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("purchase_id", payload.PurchaseID),
		zap.String("buyer_id", payload.BuyerID),
		zap.String("trace_id", payload.TraceID),
	)

	if payload.PurchaseID == "" || payload.BuyerID == "" {
		zapLog.Error("purchase event missing identifiers")
		return fmt.Errorf("purchase_id and buyer_id are required: %w", asynq.SkipRetry)
	}

	_, err := h.svc.RecordPurchase(ctx, PurchaseParams{
		ID:                   payload.PurchaseID,
		OwnerID:              payload.BuyerID,
		PurchasePrice:        payload.PurchasePrice,
		UnitsPurchased:       payload.UnitsPurchased,
		SourceKind:           payload.SourceKind,
		CommissionPercentage: payload.CommissionPercentage,
	})
	switch {
	case err == nil:
		zapLog.Info("purchase event processed")
		return nil
	case errors.Is(err, ErrPurchaseExists):
		zapLog.Info("purchase event already processed")
		return nil
	case errutil.StatusOf(err) == errutil.StatusValidationFailed:
		zapLog.Error("purchase event rejected", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		zapLog.Error("failed to process purchase event", zap.Error(err))
		return err
	}
}

func registerTaskHandlers(mux *asynq.ServeMux, h *TaskHandler) {
	mux.HandleFunc(TypePurchaseCompleted, h.HandlePurchaseCompleted)
}

var WorkerModule = fx.Module("referral.worker",
	fx.Provide(NewTaskHandler),
	fx.Invoke(registerTaskHandlers),
)
