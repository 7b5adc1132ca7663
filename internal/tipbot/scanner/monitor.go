// Package scanner 每个币种两个后台任务：扫块入账、按链上余额对账
package scanner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/internal/tipbot/service"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/safe"
	"tipbot.com/pkg/trace"
	"tipbot.com/pkg/xerr"
)

type Config struct {
	Interval          time.Duration
	ReconcileInterval time.Duration
	BatchSize         int64
	TickTimeout       time.Duration
	RestartDelay      time.Duration
	LeaderTTL         time.Duration
}

type Store interface {
	domain.AddressRepo
	domain.TransactionRepo
	domain.SyncStateRepo
}

// Leader 多实例时只让一个实例扫块，xredis.RedisLockMaster 实现
type Leader interface {
	TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) bool
}

type degradable interface {
	Degraded(coin string) bool
}

// guard 同一个任务同一时刻只跑一个 tick
type guard struct {
	walking     atomic.Bool
	reconciling atomic.Bool
}

type Monitor struct {
	store    Store
	ledger   *service.Ledger
	chains   domain.ChainRegistry
	notifier domain.Notifier
	leader   Leader
	cfg      Config
	guards   map[string]*guard
}

func New(store Store, ledger *service.Ledger, chains domain.ChainRegistry, notifier domain.Notifier, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 5 * time.Minute
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = 3 * cfg.Interval
	}
	guards := make(map[string]*guard)
	for _, coin := range chains.Coins() {
		guards[coin] = &guard{}
	}
	return &Monitor{
		store: store, ledger: ledger, chains: chains, notifier: notifier,
		cfg: cfg, guards: guards,
	}
}

// WithLeader 设置后，只有抢到主的实例才跑 tick
func (m *Monitor) WithLeader(l Leader) *Monitor {
	m.leader = l
	return m
}

// Run 阻塞到 ctx 结束，返回前等所有进行中的 tick 做完
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, coin := range m.chains.Coins() {
		coin := coin
		g.Go(func() error {
			safe.Supervise(ctx, "block-walk:"+coin, m.cfg.RestartDelay, func(ctx context.Context) error {
				return m.loop(ctx, m.cfg.Interval, func(ctx context.Context) { m.tick(ctx, coin, "walk") })
			})
			return nil
		})
		g.Go(func() error {
			safe.Supervise(ctx, "reconcile:"+coin, m.cfg.RestartDelay, func(ctx context.Context) error {
				return m.loop(ctx, m.cfg.ReconcileInterval, func(ctx context.Context) { m.tick(ctx, coin, "reconcile") })
			})
			return nil
		})
	}
	logger.Info(ctx, "🚀 chain monitor started",
		zap.Strings("coins", m.chains.Coins()),
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("reconcile_interval", m.cfg.ReconcileInterval))
	err := g.Wait()
	logger.Info(context.Background(), "chain monitor stopped")
	return err
}

func (m *Monitor) loop(ctx context.Context, every time.Duration, fn func(ctx context.Context)) error {
	fn(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, coin, task string) {
	if m.leader != nil && !m.leader.TryAcquireMaster(ctx, "tipbot:leader:sync:"+coin, m.cfg.LeaderTTL) {
		logger.Debug(ctx, "not leader, skip tick", zap.String("coin", coin), zap.String("task", task))
		return
	}
	var err error
	var ran bool
	switch task {
	case "walk":
		ran, err = m.guarded(ctx, coin, task, m.WalkTick)
	default:
		ran, err = m.guarded(ctx, coin, task, m.ReconcileTick)
	}
	if !ran {
		logger.Warn(ctx, "previous tick still running, skipped", zap.String("coin", coin), zap.String("task", task))
		return
	}
	if err != nil {
		logger.Error(ctx, "tick failed", zap.String("coin", coin), zap.String("task", task), zap.Error(err))
	}
}

// guarded 拿不到 tick 锁直接返回 ran=false
// tick 本身跑在脱离取消的 ctx 上，停机时等它自然结束，但有超时兜底
func (m *Monitor) guarded(ctx context.Context, coin, task string, fn func(ctx context.Context, coin string) error) (bool, error) {
	g, ok := m.guards[coin]
	if !ok {
		return false, xerr.Newf(xerr.ConfigError, "coin %s is not monitored", coin)
	}
	flag := &g.walking
	if task != "walk" {
		flag = &g.reconciling
	}
	if !flag.CompareAndSwap(false, true) {
		return false, nil
	}
	defer flag.Store(false)

	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.TickTimeout)
	defer cancel()
	tickCtx, end := trace.Start(tickCtx, "sync."+task, attribute.String("coin", coin))
	err := safe.Run(tickCtx, func(ctx context.Context) error { return fn(ctx, coin) })
	end(&err)
	return true, err
}

// ForceResync 管理员触发：马上跑一次扫块和对账，正在跑的话返回 busy
func (m *Monitor) ForceResync(ctx context.Context, coin string) error {
	_, settings, err := m.chains.Get(coin)
	if err != nil {
		return err
	}
	coin = settings.Symbol
	ran, err := m.guarded(ctx, coin, "walk", m.WalkTick)
	if !ran && err == nil {
		return xerr.Newf(xerr.ServerCommonError, "%s block walk is busy, try again later", coin)
	}
	if err != nil {
		return err
	}
	ran, err = m.guarded(ctx, coin, "reconcile", m.ReconcileTick)
	if !ran && err == nil {
		return xerr.Newf(xerr.ServerCommonError, "%s reconcile is busy, try again later", coin)
	}
	return err
}

type CoinStatus struct {
	Coin      string `json:"coin"`
	Height    int64  `json:"height"`
	Watermark int64  `json:"watermark"`
	Behind    int64  `json:"behind"`
	Degraded  bool   `json:"degraded"`
	Walking   bool   `json:"walking"`
	Error     string `json:"error,omitempty"`
}

// Status 每个币种的同步情况；节点不可达也返回，带上错误
func (m *Monitor) Status(ctx context.Context) ([]CoinStatus, error) {
	out := make([]CoinStatus, 0, len(m.guards))
	for _, coin := range m.chains.Coins() {
		client, settings, err := m.chains.Get(coin)
		if err != nil {
			return nil, err
		}
		st := CoinStatus{Coin: coin, Watermark: settings.StartHeight}
		if g := m.guards[coin]; g != nil {
			st.Walking = g.walking.Load()
		}
		if d, ok := m.chains.(degradable); ok {
			st.Degraded = d.Degraded(coin)
		}
		state, err := m.store.GetSyncState(ctx, coin)
		if err != nil {
			return nil, err
		}
		if state != nil {
			st.Watermark = state.LastSyncedHeight
		}
		h, err := client.GetHeight(ctx)
		if err != nil {
			st.Error = err.Error()
		} else {
			st.Height = h
			if h > st.Watermark {
				st.Behind = h - st.Watermark
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func txidOf(t domain.Transaction) string {
	if t.Txid == nil {
		return ""
	}
	return *t.Txid
}

func depositKey(txid string, userID int64) string {
	return fmt.Sprintf("%s:%d", txid, userID)
}
