package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/xerr"
)

// Response 统一返回格式，bot 前端只看 code
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type Page struct {
	List  any   `json:"list"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: xerr.OK, Message: http.StatusText(http.StatusOK), Data: data})
}

func Paged(c *gin.Context, list any, total int64, page, limit int) {
	Success(c, Page{List: list, Total: total, Page: page, Limit: limit})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.AbortWithStatusJSON(httpStatus, Response{Code: code, Message: message})
}

// FailErr 按 xerr 码选 http 状态；4xx 把错误原文给 bot 展示给用户，5xx 只给固定文案
func FailErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	status := xerr.HTTPStatus(code)

	msg := xerr.MapErrMsg(code)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}

	fields := []zap.Field{
		zap.String("request_id", RequestID(c)),
		zap.String("route", c.FullPath()),
		zap.Int("biz_code", code),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "❌ request failed", fields...)
	} else {
		logger.Warn(c.Request.Context(), "request rejected", fields...)
	}
	Fail(c, status, code, msg)
}
