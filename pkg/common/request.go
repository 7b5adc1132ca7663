package common

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ctxKey struct{}

const (
	HeaderRequestID = "X-Request-Id"
	// HeaderChatID bot 前端转发的 telegram 用户 id，用来按人限流
	HeaderChatID = "X-Chat-Id"
)

func NewRequestID() string { return uuid.NewString() }

// WithRequestID 同时挂在 gin 和 request ctx 上，service 层只拿得到后者
func WithRequestID(c *gin.Context, rid string) {
	c.Set(HeaderRequestID, rid)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxKey{}, rid))
}

func RequestID(c *gin.Context) string {
	if v, ok := c.Get(HeaderRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return RequestIDFromContext(c.Request.Context())
}

func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKey{}).(string)
	return s
}
