package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"tipbot.com/pkg/common"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/metrics"
	"tipbot.com/pkg/ratelimit"
	"tipbot.com/pkg/xerr"
)

// KeyFunc 限流维度，返回值会再拼上路由
type KeyFunc func(c *gin.Context) (key, kind string)

func ByIP(c *gin.Context) (string, string) { return c.ClientIP(), "ip" }

// ByChat bot 前端所有请求都来自同一个 ip，按转发的聊天用户限流，没带就退回 ip
func ByChat(c *gin.Context) (string, string) {
	if id := c.GetHeader(common.HeaderChatID); id != "" {
		return "chat:" + id, "chat"
	}
	return ByIP(c)
}

func RateLimit(service string, store *ratelimit.Store, keyFn KeyFunc) gin.HandlerFunc {
	if keyFn == nil {
		keyFn = ByIP
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key, kind := keyFn(c)
		if store.Allow(key + ":" + route) {
			c.Next()
			return
		}
		logger.Warn(c.Request.Context(), "rate limited",
			zap.String("request_id", common.RequestID(c)),
			zap.String("key", key),
			zap.String("route", route),
		)
		metrics.RateLimitBlockTotal.WithLabelValues(service, route, kind).Inc()
		common.Fail(c, xerr.HTTPStatus(xerr.RateLimited), xerr.RateLimited, xerr.MapErrMsg(xerr.RateLimited))
	}
}
