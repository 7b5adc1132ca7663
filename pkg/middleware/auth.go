package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"tipbot.com/pkg/common"
)

// BearerToken 简单的共享密钥校验，token 为空时拒绝所有请求
func BearerToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			common.Fail(c, http.StatusUnauthorized, 1002001, "未登录")
			c.Abort()
			return
		}
		c.Next()
	}
}
