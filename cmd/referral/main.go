package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/db"
	"smallbiznis-referral/pkg/gen"
	"smallbiznis-referral/pkg/health"
	"smallbiznis-referral/pkg/httpapi"
	"smallbiznis-referral/pkg/logger"
	"smallbiznis-referral/pkg/otelcol"
	"smallbiznis-referral/pkg/redis"
	"smallbiznis-referral/pkg/server"
	"smallbiznis-referral/pkg/task"
	"smallbiznis-referral/services/referral"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		health.Module,
		httpapi.Module,
		gen.Module,
		referral.Module,
		referral.WorkerModule,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
