package actor

import (
	"go.uber.org/fx"
)

var Module = fx.Module("actor.service",
	fx.Provide(NewService),
)
