package ledger

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/taskname"
)

type Task struct {
	service  *Service
	interval time.Duration
}

type TaskParams struct {
	fx.In
	Service *Service
	Config  *config.Config
}

func NewTask(p TaskParams) *Task {
	interval := p.Config.Treasury.MaterializeInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Task{service: p.Service, interval: interval}
}

func RegisterTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.LedgerTreasuryMaterialize, t.HandleMaterializeTask)
}

func (t *Task) HandleMaterializeTask(ctx context.Context, _ *asynq.Task) error {
	start := time.Now()
	folded, err := t.service.MaterializeTreasury(ctx)
	if err != nil {
		zap.L().Error("treasury materialize failed", zap.Error(err))
		return err
	}

	zap.L().Info("treasury materialize finished",
		zap.Int64("deltas_folded", folded),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// StartMaterializeScheduler enqueues the materialize task on a fixed interval
// for as long as the worker runs.
func StartMaterializeScheduler(lc fx.Lifecycle, t *Task, client *asynq.Client) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go t.run(ctx, client)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (t *Task) run(ctx context.Context, client *asynq.Client) {
	zap.L().Info("[Scheduler] started treasury materialize scheduler", zap.Duration("interval", t.interval))

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			task := asynq.NewTask(taskname.LedgerTreasuryMaterialize, nil)
			if _, err := client.EnqueueContext(ctx, task, asynq.Queue("low")); err != nil {
				zap.L().Error("[Scheduler] failed to enqueue materialize task", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}
