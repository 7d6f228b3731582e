package middleware

import (
	"errors"
	"net/http"

	"trashure-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last handler error as the engine's error envelope. Storage
// errors never reach the caller verbatim.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil {
			return
		}

		var base errutil.BaseError
		if errors.As(last.Err, &base) {
			c.JSON(base.Code.HTTPStatus(), base.JSON())
			return
		}

		zap.L().Error("unhandled request error",
			zap.String("path", c.FullPath()),
			zap.Error(last.Err),
		)

		internal := errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: "internal error",
		}
		c.JSON(http.StatusInternalServerError, internal.JSON())
	}
}

// IdempotencyKey reads the client-supplied key for transition deduplication.
func IdempotencyKey(c *gin.Context) string {
	return c.GetHeader("X-Idempotency-Key")
}
