package btc

import (
	"context"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"tipbot.com/pkg/xerr"
)

// 节点返回的“找不到”类错误码
const (
	rpcInvalidAddressOrKey = -5
)

// await rpcclient 不支持 ctx，这里用协程等结果，ctx 到期直接返回
func await[T any](ctx context.Context, method string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	var zero T
	select {
	case <-ctx.Done():
		return zero, xerr.Wrap(ctx.Err(), xerr.TransportError, method+": timeout")
	case r := <-ch:
		if r.err != nil {
			return zero, classify(method, r.err)
		}
		return r.v, nil
	}
}

// classify 节点明确拒绝的是业务错误，其余都算传输错误
func classify(method string, err error) error {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == rpcInvalidAddressOrKey && strings.Contains(strings.ToLower(rpcErr.Message), "transaction") {
			return xerr.Wrap(err, xerr.RecordNotFound, method)
		}
		return xerr.Wrap(err, xerr.RequestParamsError, method+": rejected by daemon")
	}
	return xerr.Wrap(err, xerr.TransportError, method)
}
