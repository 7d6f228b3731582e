package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/db"
	"trashure-engine/pkg/logger"
	"trashure-engine/pkg/redis"
	"trashure-engine/pkg/sequence"
	"trashure-engine/pkg/task"
	"trashure-engine/services/fraud"
	"trashure-engine/services/ledger"
	"trashure-engine/services/settlement"
)

// The worker consumes the queues: fraud flag events, the periodic treasury
// materializer and the daily settlement close reminder.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		fx.Provide(provideSnowflakeNode),
		sequence.Module,
		ledger.Module,
		ledger.TaskModule,
		fraud.TaskModule,
		settlement.Module,
		settlement.TaskModule,
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
	return snowflake.NewNode(2)
}
