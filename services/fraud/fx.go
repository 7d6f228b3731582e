package fraud

import (
	"context"

	"go.uber.org/fx"

	"trashure-engine/pkg/config"
)

var Module = fx.Module("fraud",
	fx.Provide(NewEngine),
	fx.Invoke(seedDefaultRules),
)

func seedDefaultRules(lc fx.Lifecycle, engine *Engine, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return engine.SeedRules(ctx, cfg.Fraud)
		},
	})
}

// TaskModule registers the worker-side fraud handlers.
var TaskModule = fx.Module("fraud.task",
	fx.Provide(NewTask),
	fx.Invoke(RegisterTaskHandlers),
)
