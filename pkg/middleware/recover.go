package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"tipbot.com/pkg/common"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/xerr"
)

// Recover handler 里 panic 的话回 500，账本操作都在事务里，panic 会回滚
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error(c.Request.Context(), "🔥 handler panic",
				zap.String("request_id", common.RequestID(c)),
				zap.String("route", c.FullPath()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			common.Fail(c, http.StatusInternalServerError, xerr.ServerCommonError, xerr.MapErrMsg(xerr.ServerCommonError))
		}()
		c.Next()
	}
}
