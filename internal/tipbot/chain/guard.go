package chain

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/metrics"
	"tipbot.com/pkg/ratelimit"
	"tipbot.com/pkg/xerr"
)

type GuardConfig struct {
	CallTimeout   time.Duration
	RetryAttempts uint
	RetryDelay    time.Duration
}

// Guard 给节点调用加上超时、熔断，只读调用再加重试
// 熔断按币种隔离，一个节点挂了不影响其他币种
type Guard struct {
	inner    domain.ChainClient
	breakers *ratelimit.Manager
	cfg      GuardConfig
}

var _ domain.ChainClient = (*Guard)(nil)

func NewGuard(inner domain.ChainClient, breakers *ratelimit.Manager, cfg GuardConfig) *Guard {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &Guard{inner: inner, breakers: breakers, cfg: cfg}
}

func guarded[T any](ctx context.Context, g *Guard, method string, idempotent bool, fn func(ctx context.Context) (T, error)) (T, error) {
	coin := g.inner.Coin()
	var out T

	once := func() error {
		start := time.Now()
		err := g.breakers.Execute(coin, func() error {
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
			defer cancel()
			v, err := fn(callCtx)
			if err == nil {
				out = v
			}
			return err
		})
		status := "ok"
		if err != nil {
			status = "error"
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				metrics.CBRejectTotal.WithLabelValues(coin, method).Inc()
			}
		}
		metrics.ChainCallDuration.WithLabelValues(coin, method, status).Observe(time.Since(start).Seconds())
		return err
	}

	if !idempotent {
		return out, once()
	}

	err := retry.Do(once,
		retry.Context(ctx),
		retry.Attempts(g.cfg.RetryAttempts),
		retry.Delay(g.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// 只有传输错误值得重试；熔断已经打开就别再敲了
			return xerr.Is(err, xerr.TransportError) && g.breakers.State(coin) == gobreaker.StateClosed
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn(ctx, "chain call retry",
				zap.String("coin", coin), zap.String("method", method),
				zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	return out, err
}

func (g *Guard) Coin() string { return g.inner.Coin() }

func (g *Guard) GetHeight(ctx context.Context) (int64, error) {
	return guarded(ctx, g, "getblockcount", true, g.inner.GetHeight)
}

func (g *Guard) GetBlockHash(ctx context.Context, height int64) (string, error) {
	return guarded(ctx, g, "getblockhash", true, func(ctx context.Context) (string, error) {
		return g.inner.GetBlockHash(ctx, height)
	})
}

func (g *Guard) GetBlock(ctx context.Context, hash string, withTxDetail bool) (*domain.Block, error) {
	return guarded(ctx, g, "getblock", true, func(ctx context.Context) (*domain.Block, error) {
		return g.inner.GetBlock(ctx, hash, withTxDetail)
	})
}

// GetNewAddress 不重试，重试可能白白多生成地址
func (g *Guard) GetNewAddress(ctx context.Context, label string) (string, error) {
	return guarded(ctx, g, "getnewaddress", false, func(ctx context.Context) (string, error) {
		return g.inner.GetNewAddress(ctx, label)
	})
}

func (g *Guard) GetAddressOwnership(ctx context.Context, address string) (domain.Ownership, error) {
	return guarded(ctx, g, "ownership", true, func(ctx context.Context) (domain.Ownership, error) {
		return g.inner.GetAddressOwnership(ctx, address)
	})
}

func (g *Guard) RegisterForWatching(ctx context.Context, address, label string) error {
	_, err := guarded(ctx, g, "importaddress", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.RegisterForWatching(ctx, address, label)
	})
	return err
}

func (g *Guard) GetReceivedByAddress(ctx context.Context, address string, minConf int) (decimal.Decimal, error) {
	return guarded(ctx, g, "getreceivedbyaddress", true, func(ctx context.Context) (decimal.Decimal, error) {
		return g.inner.GetReceivedByAddress(ctx, address, minConf)
	})
}

func (g *Guard) ListUnspent(ctx context.Context, minConf, maxConf int, addresses []string) ([]domain.Unspent, error) {
	return guarded(ctx, g, "listunspent", true, func(ctx context.Context) ([]domain.Unspent, error) {
		return g.inner.ListUnspent(ctx, minConf, maxConf, addresses)
	})
}

func (g *Guard) EstimateFee(ctx context.Context, target int) (decimal.Decimal, error) {
	return guarded(ctx, g, "estimatesmartfee", true, func(ctx context.Context) (decimal.Decimal, error) {
		return g.inner.EstimateFee(ctx, target)
	})
}

func (g *Guard) BuildRawTransaction(ctx context.Context, inputs []domain.TxInput, outputs []domain.TxOutput) (string, error) {
	return guarded(ctx, g, "createrawtransaction", true, func(ctx context.Context) (string, error) {
		return g.inner.BuildRawTransaction(ctx, inputs, outputs)
	})
}

func (g *Guard) SignTransaction(ctx context.Context, raw string) (domain.SignResult, error) {
	return guarded(ctx, g, "signrawtransaction", false, func(ctx context.Context) (domain.SignResult, error) {
		return g.inner.SignTransaction(ctx, raw)
	})
}

// BroadcastTransaction 不重试：超时之后交易可能已经进了内存池
func (g *Guard) BroadcastTransaction(ctx context.Context, signed string) (string, error) {
	return guarded(ctx, g, "sendrawtransaction", false, func(ctx context.Context) (string, error) {
		return g.inner.BroadcastTransaction(ctx, signed)
	})
}

func (g *Guard) GetTransaction(ctx context.Context, txid string) (*domain.TxInfo, error) {
	return guarded(ctx, g, "gettransaction", true, func(ctx context.Context) (*domain.TxInfo, error) {
		return g.inner.GetTransaction(ctx, txid)
	})
}

func (g *Guard) ValidateAddress(address string) error {
	return g.inner.ValidateAddress(address)
}
