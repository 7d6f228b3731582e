package fraud

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"trashure-engine/pkg/taskname"
)

type Task struct{}

func NewTask() *Task {
	return &Task{}
}

func RegisterTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.FraudFlagCreated, t.HandleFlagCreated)
}

// HandleFlagCreated acknowledges a flag event. Downstream delivery (case
// queues, notifications) hangs off this hook; the engine only guarantees the
// event reaches the queue.
func (t *Task) HandleFlagCreated(_ context.Context, task *asynq.Task) error {
	var payload FlagCreatedPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		zap.L().Error("malformed fraud flag payload", zap.Error(err))
		return err
	}

	zap.L().Info("fraud flag created",
		zap.String("flag_id", payload.FlagID),
		zap.String("token_id", payload.TokenID),
		zap.String("rule_id", payload.RuleID),
		zap.String("severity", string(payload.Severity)),
		zap.String("outcome", string(payload.Outcome)),
	)
	return nil
}
