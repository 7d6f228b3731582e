package settlement

import (
	"go.uber.org/fx"

	"trashure-engine/services/payout"
)

var Module = fx.Module("settlement",
	fx.Provide(
		NewService,
		func(s *Service) payout.VendorActivity { return s },
	),
)

// TaskModule registers the worker-side close reminder.
var TaskModule = fx.Module("settlement.task",
	fx.Provide(NewTask),
	fx.Invoke(RegisterTaskHandlers, StartCloseReminderScheduler),
)
