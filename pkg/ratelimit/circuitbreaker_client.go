package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"tipbot.com/pkg/xerr"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32

	// Closed 状态计数窗口
	Interval time.Duration

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  // 连续失败阈值
	TripFailureRate         float64 // 失败率阈值（0~1）
	TripMinRequests         uint32  // 失败率计算的最小样本数
}

// Manager 每个 key 一个熔断器，key 一般是币种
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule
	onChange    func(key string, from, to gobreaker.State)
}

func NewManager(defaultRule Rule, perKey map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 1
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 30 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = time.Minute
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 10
	}

	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 8),
		defaultRule: defaultRule,
		rules:       perKey,
	}
}

// OnStateChange 在第一次 Get 之前设置
func (m *Manager) OnStateChange(fn func(key string, from, to gobreaker.State)) {
	m.onChange = fn
}

func (m *Manager) Get(key string) *gobreaker.CircuitBreaker[struct{}] {
	m.mu.RLock()
	cb := m.m[key]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[key]; cb != nil {
		return cb
	}

	rule, ok := m.rules[key]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:        key,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: isSuccessfulForBreaker,
	}
	if m.onChange != nil {
		onChange := m.onChange
		st.OnStateChange = func(name string, from, to gobreaker.State) { onChange(name, from, to) }
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	m.m[key] = cb
	return cb
}

// Execute 在 key 的熔断器里跑 fn，熔断打开时直接返回 TransportError
func (m *Manager) Execute(key string, fn func() error) error {
	_, err := m.Get(key).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return xerr.Wrap(err, xerr.TransportError, key+" degraded")
	}
	return err
}

// State 没创建过的 key 视为 closed
func (m *Manager) State(key string) gobreaker.State {
	m.mu.RLock()
	cb := m.m[key]
	m.mu.RUnlock()
	if cb == nil {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// 只有“依赖不健康”才计入熔断失败，业务拒绝不算
func isSuccessfulForBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch xerr.CodeOf(err) {
	case xerr.RequestParamsError,
		xerr.RecordNotFound,
		xerr.OwnershipError,
		xerr.InsufficientFunds,
		xerr.SigningFailure:
		return true
	default:
		return false
	}
}
