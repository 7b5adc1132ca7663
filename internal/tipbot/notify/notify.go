// Package notify 通知出口：Telegram 私聊、NATS 事件、日志
// 全部尽力而为，失败不影响账本
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/metrics"
)

// Sink 带名字的 Notifier，用于指标
type Sink interface {
	domain.Notifier
	Name() string
}

// Multi 扇出到所有 sink，一个失败不影响其他
type Multi struct {
	sinks []Sink
}

var _ domain.Notifier = (*Multi)(nil)

func NewMulti(sinks ...Sink) *Multi {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Multi{sinks: out}
}

func (m *Multi) Notify(ctx context.Context, userID int64, kind domain.NotifyKind, p domain.Payload) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, userID, kind, p); err != nil {
			metrics.NotifyFailures.WithLabelValues(s.Name(), string(kind)).Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send 发通知，失败只记日志
func Send(ctx context.Context, n domain.Notifier, userID int64, kind domain.NotifyKind, p domain.Payload) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, userID, kind, p); err != nil {
		logger.Warn(ctx, "notify failed",
			zap.Int64("user", userID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

// Log 只打日志，没配 telegram/nats 时兜底
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Notify(ctx context.Context, userID int64, kind domain.NotifyKind, p domain.Payload) error {
	logger.Info(ctx, "🔔 notify",
		zap.Int64("user", userID), zap.String("kind", string(kind)),
		zap.String("coin", p.Coin), zap.String("amount", p.Amount.String()),
		zap.String("txid", p.Txid))
	return nil
}
