package main

import (
	"context"
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trashure-engine/internal/httpapi"
	"trashure-engine/pkg/config"
	"trashure-engine/pkg/db"
	"trashure-engine/pkg/health"
	"trashure-engine/pkg/logger"
	"trashure-engine/pkg/redis"
	"trashure-engine/pkg/sequence"
	"trashure-engine/pkg/server"
	"trashure-engine/pkg/task"
	"trashure-engine/services/actor"
	"trashure-engine/services/fraud"
	"trashure-engine/services/ledger"
	"trashure-engine/services/payout"
	"trashure-engine/services/settlement"
	"trashure-engine/services/token"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		health.Module,
		fx.Provide(provideSnowflakeNode),
		fx.Invoke(migrate),
		actor.Module,
		ledger.Module,
		fraud.Module,
		payout.Module,
		settlement.Module,
		token.Module,
		httpapi.Module,
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
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func migrate(lc fx.Lifecycle, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return gdb.WithContext(ctx).AutoMigrate(
				&actor.Actor{},
				&token.Token{},
				&token.TokenTransition{},
				&token.IdempotencyRecord{},
				&fraud.FraudRule{},
				&fraud.FraudFlag{},
				&ledger.Account{},
				&ledger.LedgerEntry{},
				&ledger.TreasuryDelta{},
			)
		},
	})
}
