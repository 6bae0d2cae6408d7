package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/health"
	"smallbiznis-referral/pkg/middleware"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewRegistry, NewEngine),
	fx.Invoke(registerOperationalEndpoints),
)

// NewRegistry returns the registry the services publish into. /metrics serves
// it together with the default registry, which already carries the runtime
// collectors and the gorm plugin's database stats.
func NewRegistry() (*prometheus.Registry, prometheus.Registerer) {
	reg := prometheus.NewRegistry()
	return reg, reg
}

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Error())
	return engine
}

func registerOperationalEndpoints(engine *gin.Engine, reg *prometheus.Registry, h health.HealthService) {
	engine.GET("/healthz", h.Liveness)
	engine.GET("/readyz", h.Readiness)
	gatherers := prometheus.Gatherers{reg, prometheus.DefaultGatherer}
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})))
}
