package referral

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-referral/pkg/config"
)

var Module = fx.Module("referral.service",
	fx.Provide(
		NewService,
		NewHandler,
		provideMetrics,
		provideProgressCache,
	),
	fx.Invoke(migrate, registerRoutes),
)

func provideMetrics(reg prometheus.Registerer) (*Metrics, error) {
	return NewMetrics(reg)
}

type cacheParams struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

func provideProgressCache(p cacheParams) ProgressCache {
	ttl := p.Config.Referral.ProgressCacheTTL
	if ttl <= 0 {
		return nil
	}
	if p.Redis == nil {
		return NewMemoryProgressCache(ttl)
	}
	return NewRedisProgressCache(p.Redis, ttl)
}

func migrate(db *gorm.DB, cfg *config.Config) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		zap.L().Error("failed to migrate referral tables", zap.Error(err))
		return err
	}
	return nil
}

func registerRoutes(engine *gin.Engine, h *Handler) {
	h.Register(engine)
}
