package referral

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/task"
)

type Service struct {
	stores *stores
	tx     *txRunner
	rules  *RuleSet

	commission   decimal.Decimal
	precision    int32
	maxDepth     int
	housekeeping bool

	cache   ProgressCache
	tasks   task.Enqueuer
	metrics *Metrics

	group  singleflight.Group
	tracer trace.Tracer
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config

	Cache          ProgressCache        `optional:"true"`
	Tasks          task.Enqueuer        `optional:"true"`
	Metrics        *Metrics             `optional:"true"`
	TracerProvider trace.TracerProvider `optional:"true"`
}

func NewService(p ServiceParams) (*Service, error) {
	cfg := p.Config.Referral

	commission, err := decimal.NewFromString(cfg.CommissionPercentage)
	if err != nil {
		return nil, fmt.Errorf("invalid REFERRAL.COMMISSION_PERCENTAGE %q: %w", cfg.CommissionPercentage, err)
	}
	if err := validPercentage(commission); err != nil {
		return nil, err
	}

	configured, err := RulesFromConfig(cfg.Tiers)
	if err != nil {
		return nil, err
	}
	rules, err := NewRuleSet(append(DefaultRules(), configured...)...)
	if err != nil {
		return nil, err
	}
	if rules.MaxDepth() > cfg.MaxDepth {
		return nil, fmt.Errorf("tier rules inspect depth %d but REFERRAL.MAX_DEPTH is %d", rules.MaxDepth(), cfg.MaxDepth)
	}

	tp := p.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	st := newStores(p.DB)
	return &Service{
		stores: st,
		tx: &txRunner{
			db:         p.DB,
			stores:     st,
			node:       p.Node,
			maxRetries: cfg.MaxRetries,
			backoff:    cfg.RetryBackoff,
		},
		rules:        rules,
		commission:   commission,
		precision:    cfg.Precision,
		maxDepth:     cfg.MaxDepth,
		housekeeping: cfg.Housekeeping,
		cache:        p.Cache,
		tasks:        p.Tasks,
		metrics:      p.Metrics,
		tracer:       tp.Tracer("smallbiznis-referral/services/referral"),
	}, nil
}

// Rules exposes the active tier rules.
func (s *Service) Rules() *RuleSet { return s.rules }

func validPercentage(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission percentage %s must be within [0, 1]", p)
	}
	return nil
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return zap.L()
	}
	return zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
