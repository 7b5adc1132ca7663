package middleware

import (
	"github.com/gin-gonic/gin"
	"tipbot.com/pkg/common"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/trace"
)

// ReqId 优先用调用方带的 X-Request-Id，其次 otel 的 trace id，都没有就生成
// 要放在 otelgin 后面
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = trace.TraceID(c.Request.Context())
		}
		if rid == "" {
			rid = common.NewRequestID()
		}
		common.WithRequestID(c, rid)
		c.Header(common.HeaderRequestID, rid)
		c.Request = c.Request.WithContext(logger.WithTrace(c.Request.Context(), rid))
		c.Next()
	}
}
