package chain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/metrics"
	"tipbot.com/pkg/ratelimit"
	"tipbot.com/pkg/xerr"
)

type entry struct {
	client   domain.ChainClient
	settings domain.CoinSettings
}

// Registry 已启用币种的客户端，启动时构建，之后只读
type Registry struct {
	coins    map[string]entry
	breakers *ratelimit.Manager
}

var _ domain.ChainRegistry = (*Registry)(nil)

type BreakerConfig struct {
	Failures uint32
	Cooldown time.Duration
}

func NewRegistry(bc BreakerConfig) *Registry {
	breakers := ratelimit.NewManager(ratelimit.Rule{
		TripConsecutiveFailures: bc.Failures,
		Timeout:                 bc.Cooldown,
	}, nil)
	breakers.OnStateChange(func(coin string, from, to gobreaker.State) {
		metrics.CBState.WithLabelValues(coin).Set(float64(to))
		logger.Warn(context.Background(), "⚠️ coin daemon breaker state changed",
			zap.String("coin", coin), zap.String("from", from.String()), zap.String("to", to.String()))
	})
	return &Registry{coins: make(map[string]entry), breakers: breakers}
}

// Register 用 Guard 包一层再放进来
func (r *Registry) Register(client domain.ChainClient, settings domain.CoinSettings, gc GuardConfig) {
	coin := strings.ToUpper(client.Coin())
	settings.Symbol = coin
	r.coins[coin] = entry{client: NewGuard(client, r.breakers, gc), settings: settings}
}

func (r *Registry) Get(coin string) (domain.ChainClient, domain.CoinSettings, error) {
	e, ok := r.coins[strings.ToUpper(coin)]
	if !ok {
		return nil, domain.CoinSettings{}, xerr.New(xerr.ConfigError, fmt.Sprintf("coin %s is not enabled", coin))
	}
	return e.client, e.settings, nil
}

func (r *Registry) Coins() []string {
	out := make([]string, 0, len(r.coins))
	for c := range r.coins {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Degraded 熔断打开或者半开都算降级
func (r *Registry) Degraded(coin string) bool {
	return r.breakers.State(strings.ToUpper(coin)) != gobreaker.StateClosed
}
