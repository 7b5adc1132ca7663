package xerr

import (
	"errors"
	"fmt"
	"net/http"
)

// 常用错误码定义
const (
	OK                 = 200
	ServerCommonError  = 500
	RequestParamsError = 400 // 输入不合法
	DbError            = 501 // 持久化失败
	RecordNotFound     = 404

	// 业务错误码
	ConfigError       = 1001 // 币种未配置 / 配置错误
	TransportError    = 1002 // 节点不可达、超时、响应解析失败
	OwnershipError    = 1003 // 节点给的地址不可花费
	InsufficientFunds = 1004 // 余额或者 UTXO 不足
	SigningFailure    = 1005 // 签名不完整
	VersionConflict   = 1006 // 乐观锁冲突，可重试
	RateLimited       = 1007 // 限流或指令冷却中
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	cause error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s, Cause:%v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.cause }

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func Newf(code int, format string, args ...any) error {
	return &CodeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留底层错误，errors.Is(err, gorm.ErrRecordNotFound) 之类还能用
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, cause: err}
}

// CodeOf 取最外层的业务码，不是 CodeError 的按 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// Is 判断错误链上是否有指定业务码
func Is(err error, code int) bool {
	for err != nil {
		var ce *CodeError
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.cause
	}
	return false
}

// HTTPStatus 业务码映射 http 状态码
func HTTPStatus(code int) int {
	switch code {
	case OK:
		return http.StatusOK
	case RequestParamsError, InsufficientFunds:
		return http.StatusBadRequest
	case RecordNotFound:
		return http.StatusNotFound
	case VersionConflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case TransportError:
		return http.StatusServiceUnavailable
	case ConfigError:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case ConfigError:
		return "币种不可用"
	case TransportError:
		return "节点暂时不可用"
	case OwnershipError:
		return "地址不可用"
	case InsufficientFunds:
		return "余额不足"
	case SigningFailure:
		return "交易签名失败"
	case VersionConflict:
		return "并发冲突，请重试"
	case RateLimited:
		return "请求过于频繁"
	default:
		return "未知错误"
	}
}
