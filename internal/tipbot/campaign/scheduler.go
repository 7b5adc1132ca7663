package campaign

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/safe"
	"tipbot.com/pkg/xerr"
)

// Scheduler 定时结算到期红包，上一轮没跑完就跳过
type Scheduler struct {
	svc    *Service
	cron   *cron.Cron
	leader Leader
	ttl    time.Duration
}

// Leader 多实例时只让一个实例结算
type Leader interface {
	TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) bool
}

const leaderKey = "tipbot:leader:campaign"

func NewScheduler(svc *Service) (*Scheduler, error) {
	l := cronLogger{}
	s := &Scheduler{
		svc:  svc,
		cron: cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
		ttl:  2 * time.Minute,
	}
	if _, err := s.cron.AddFunc(svc.cfg.Schedule, s.tick); err != nil {
		return nil, xerr.Wrap(err, xerr.ConfigError, "invalid campaign schedule "+svc.cfg.Schedule)
	}
	return s, nil
}

func (s *Scheduler) WithLeader(l Leader) *Scheduler {
	s.leader = l
	return s
}

// Run 阻塞到 ctx 结束，等进行中的结算做完再返回
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	logger.Info(ctx, "⏰ campaign scheduler started", zap.String("schedule", s.svc.cfg.Schedule))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	logger.Info(context.Background(), "campaign scheduler stopped")
	return nil
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	if s.leader != nil && !s.leader.TryAcquireMaster(ctx, leaderKey, s.ttl) {
		return
	}
	err := safe.Run(ctx, func(ctx context.Context) error {
		_, err := s.svc.ProcessExpired(ctx)
		return err
	})
	if err != nil {
		logger.Error(ctx, "campaign tick failed", zap.Error(err))
	}
}

// cronLogger 把 cron 的日志接到 zap
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug(context.Background(), "cron: "+msg, zap.Any("kv", keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error(context.Background(), "cron: "+msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
