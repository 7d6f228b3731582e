package settlement

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
	interval := p.Config.Settlement.CloseReminderInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Task{service: p.Service, interval: interval}
}

func RegisterTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.SettlementCloseReminder, t.HandleCloseReminderTask)
}

// HandleCloseReminderTask logs the previous day's per-role close figures so
// operators see what is still pending before the day is settled out.
func (t *Task) HandleCloseReminderTask(ctx context.Context, _ *asynq.Task) error {
	dayEnd := time.Now().Truncate(24 * time.Hour)
	dayStart := dayEnd.Add(-24 * time.Hour)

	for _, role := range []Role{RoleCollector, RoleVendor} {
		report, err := t.service.Report(ctx, Query{Role: role, From: dayStart, To: dayEnd})
		if err != nil {
			zap.L().Error("settlement close reminder failed",
				zap.String("role", string(role)),
				zap.Error(err),
			)
			return err
		}

		zap.L().Info("settlement close reminder",
			zap.String("role", string(role)),
			zap.Time("day", dayStart),
			zap.Int64("settled_amount", report.SettledAmount),
			zap.Int64("settled_count", report.SettledCount),
			zap.Int64("pending_amount", report.PendingAmount),
			zap.Int64("pending_count", report.PendingCount),
			zap.Int64("flagged_count", report.FlaggedCount),
		)
	}
	return nil
}

// StartCloseReminderScheduler enqueues the reminder on a fixed interval for
// as long as the worker runs.
func StartCloseReminderScheduler(lc fx.Lifecycle, t *Task, client *asynq.Client) {
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
	zap.L().Info("[Scheduler] started settlement close reminder scheduler", zap.Duration("interval", t.interval))

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			task := asynq.NewTask(taskname.SettlementCloseReminder, nil)
			if _, err := client.EnqueueContext(ctx, task, asynq.Queue("low")); err != nil {
				zap.L().Error("[Scheduler] failed to enqueue close reminder task", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}
