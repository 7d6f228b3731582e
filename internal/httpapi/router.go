package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/health"
	"trashure-engine/pkg/middleware"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		NewRouter,
	),
)

type RouterParams struct {
	fx.In

	Config  *config.Config
	Handler *Handler
	Health  health.HealthService
}

func NewRouter(p RouterParams) http.Handler {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)

	v1 := r.Group("/v1")
	{
		tokens := v1.Group("/tokens")
		tokens.POST("", p.Handler.submitToken)
		tokens.GET("/:id", p.Handler.getToken)
		tokens.POST("/:id/confirm", p.Handler.confirmToken)
		tokens.POST("/:id/ship", p.Handler.shipToken)
		tokens.POST("/:id/receive", p.Handler.receiveToken)
		tokens.POST("/:id/release", p.Handler.releaseToken)
		tokens.POST("/:id/cancel", p.Handler.cancelToken)

		v1.GET("/settlements", p.Handler.settlementReport)

		wallet := v1.Group("/wallet")
		wallet.POST("/transfer", p.Handler.walletTransfer)
		wallet.POST("/redeem", p.Handler.walletRedeem)
		wallet.GET("/:account_id", p.Handler.walletBalance)

		v1.POST("/flags/:id/resolve", p.Handler.resolveFlag)
	}

	return r
}
