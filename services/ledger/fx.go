package ledger

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
	fx.Invoke(ensureTreasuryAccount),
)

var TaskModule = fx.Module("ledger.task",
	fx.Provide(NewTask),
	fx.Invoke(RegisterTaskHandlers, StartMaterializeScheduler),
)

func ensureTreasuryAccount(lc fx.Lifecycle, s *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := s.EnsureAccount(ctx, s.treasuryID, AccountTreasury); err != nil {
				zap.L().Error("failed to ensure treasury account", zap.Error(err))
				return err
			}
			return nil
		},
	})
}
