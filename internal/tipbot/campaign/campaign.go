// Package campaign 限时红包：创建、报名、到期按人头平分
package campaign

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/internal/tipbot/notify"
	"tipbot.com/internal/tipbot/service"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/metrics"
	"tipbot.com/pkg/trace"
	"tipbot.com/pkg/xerr"
)

const (
	ReasonNoParticipants = "no participants"
	ReasonTooSmall       = "too small"
	ReasonInsufficient   = "insufficient balance"
	ReasonProcessing     = "processing error"
)

type Config struct {
	Schedule    string
	MinDuration time.Duration
	MaxDuration time.Duration
	Dust        decimal.Decimal // 每人份额的下限
}

type Store interface {
	domain.TxManager
	domain.CampaignRepo
}

type Service struct {
	store    Store
	ledger   *service.Ledger
	notifier domain.Notifier
	cfg      Config
	now      func() time.Time
}

func New(store Store, ledger *service.Ledger, notifier domain.Notifier, cfg Config) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 60s"
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = time.Minute
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = time.Hour
	}
	if cfg.Dust.IsZero() {
		cfg.Dust = domain.Satoshi
	}
	return &Service{store: store, ledger: ledger, notifier: notifier, cfg: cfg, now: time.Now}
}

// Create 发红包时只检查余额，不冻结；到期结算时再扣
func (s *Service) Create(ctx context.Context, creator, group int64, coin string, total decimal.Decimal, duration time.Duration, messageRef string) (*domain.Campaign, error) {
	coin = strings.ToUpper(coin)
	if err := s.ledger.ValidateAmount(total); err != nil {
		return nil, err
	}
	if duration < s.cfg.MinDuration || duration > s.cfg.MaxDuration {
		return nil, xerr.Newf(xerr.RequestParamsError, "duration must be between %s and %s", s.cfg.MinDuration, s.cfg.MaxDuration)
	}
	ok, err := s.ledger.HasAccount(ctx, creator, coin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerr.Newf(xerr.RequestParamsError, "user %d has no %s account", creator, coin)
	}
	bal, err := s.ledger.GetBalance(ctx, creator, coin)
	if err != nil {
		return nil, err
	}
	if bal.Confirmed.LessThan(total) {
		return nil, xerr.Newf(xerr.InsufficientFunds, "insufficient balance: have %s, need %s", bal.Confirmed, total)
	}

	now := s.now()
	c := &domain.Campaign{
		CreatorID:   creator,
		GroupID:     group,
		Coin:        coin,
		TotalAmount: total,
		DurationSec: int64(duration / time.Second),
		ExpiresAt:   now.Add(duration),
		Status:      domain.CampaignActive,
		MessageRef:  messageRef,
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	logger.Info(ctx, "🎁 campaign created",
		zap.Int64("id", c.ID), zap.Int64("creator", creator), zap.String("coin", coin),
		zap.String("total", total.String()), zap.Time("expires_at", c.ExpiresAt))
	return c, nil
}

// Join 重复报名返回 false，不报错
func (s *Service) Join(ctx context.Context, campaignID, userID int64) (bool, error) {
	c, err := s.get(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if c.Status != domain.CampaignActive {
		return false, xerr.Newf(xerr.RequestParamsError, "campaign %d is %s", c.ID, c.Status)
	}
	if !s.now().Before(c.ExpiresAt) {
		return false, xerr.Newf(xerr.RequestParamsError, "campaign %d has expired", c.ID)
	}
	if userID == c.CreatorID {
		return false, xerr.New(xerr.RequestParamsError, "creator cannot join own campaign")
	}
	ok, err := s.ledger.HasAccount(ctx, userID, c.Coin)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, xerr.Newf(xerr.RequestParamsError, "user %d has no %s account", userID, c.Coin)
	}
	return s.store.AddParticipant(ctx, &domain.Participant{CampaignID: c.ID, UserID: userID, JoinedAt: s.now()})
}

// ProcessExpired 到期的逐个结算，单个失败不影响后面的
func (s *Service) ProcessExpired(ctx context.Context) (int, error) {
	list, err := s.store.ListExpiredActive(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, c := range list {
		s.settle(ctx, c)
	}
	if len(list) > 0 {
		logger.Info(ctx, "expired campaigns processed", zap.Int("count", len(list)))
	}
	return len(list), nil
}

// CompleteNow 管理员提前结算
func (s *Service) CompleteNow(ctx context.Context, id int64) (domain.CampaignStatus, error) {
	c, err := s.active(ctx, id)
	if err != nil {
		return "", err
	}
	return s.settle(ctx, *c), nil
}

func (s *Service) Cancel(ctx context.Context, id int64, reason string) error {
	c, err := s.active(ctx, id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "manually cancelled"
	}
	return s.finish(ctx, *c, domain.CampaignCancelled, reason, 0)
}

func (s *Service) Stats(ctx context.Context) (*domain.CampaignStats, error) {
	return s.store.CampaignStats(ctx, s.now())
}

func (s *Service) Get(ctx context.Context, id int64) (*domain.Campaign, error) {
	return s.get(ctx, id)
}

func (s *Service) get(ctx context.Context, id int64) (*domain.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, xerr.Newf(xerr.RecordNotFound, "campaign %d not found", id)
	}
	return c, nil
}

func (s *Service) active(ctx context.Context, id int64) (*domain.Campaign, error) {
	c, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignActive {
		return nil, xerr.Newf(xerr.RequestParamsError, "campaign %d is %s", c.ID, c.Status)
	}
	return c, nil
}

// settle 返回结算之后库里的状态；读库失败保持 active，下一轮再来
func (s *Service) settle(ctx context.Context, c domain.Campaign) (status domain.CampaignStatus) {
	ctx, end := trace.Start(ctx, "campaign.settle", attribute.Int64("campaign", c.ID), attribute.String("coin", c.Coin))
	defer func() {
		var err error
		if status != domain.CampaignCompleted {
			err = xerr.Newf(xerr.ServerCommonError, "campaign %d %s", c.ID, status)
		}
		end(&err)
	}()

	parts, err := s.store.ListParticipants(ctx, c.ID)
	if err != nil {
		return s.retryLater(ctx, c, err)
	}
	n := len(parts)
	if n == 0 {
		return s.done(ctx, c, domain.CampaignCompleted, ReasonNoParticipants, 0)
	}
	if c.TotalAmount.Div(decimal.NewFromInt(int64(n))).LessThan(s.cfg.Dust) {
		return s.done(ctx, c, domain.CampaignCompleted, ReasonTooSmall, n)
	}
	bal, err := s.ledger.GetBalance(ctx, c.CreatorID, c.Coin)
	if err != nil {
		return s.retryLater(ctx, c, err)
	}
	if bal.Confirmed.LessThan(c.TotalAmount) {
		return s.done(ctx, c, domain.CampaignCancelled, ReasonInsufficient, n)
	}

	shares := domain.SplitLargestRemainder(c.TotalAmount, n)
	payouts := make([]service.Payout, n)
	pairs := []service.Pair{{UserID: c.CreatorID, Coin: c.Coin}}
	for i, p := range parts {
		payouts[i] = service.Payout{UserID: p.UserID, Amount: shares[i]}
		pairs = append(pairs, service.Pair{UserID: p.UserID, Coin: c.Coin})
	}

	id := c.ID
	err = s.ledger.Atomic(ctx, pairs, func(ctx context.Context) error {
		if _, err := s.ledger.Disburse(ctx, c.CreatorID, c.Coin, payouts, service.Posting{
			Kind:       domain.KindCampaignPayout,
			CampaignID: &id,
		}); err != nil {
			return err
		}
		ok, err := s.store.FinishCampaign(ctx, c.ID, domain.CampaignCompleted, "", s.now())
		if err != nil {
			return err
		}
		if !ok {
			return xerr.Newf(xerr.ServerCommonError, "campaign %d is no longer active", c.ID)
		}
		return nil
	})
	if err != nil {
		// 并发结算的另一方已经处理完了，这次的失败不算数
		if st, ok := s.settledElsewhere(ctx, c); ok {
			return st
		}
		if xerr.Is(err, xerr.InsufficientFunds) {
			logger.Warn(ctx, "creator balance dropped before payout",
				zap.Int64("id", c.ID), zap.Int64("creator", c.CreatorID), zap.Error(err))
			return s.done(ctx, c, domain.CampaignCancelled, ReasonInsufficient, n)
		}
		return s.abort(ctx, c, err)
	}

	metrics.CampaignOutcomes.WithLabelValues(string(domain.CampaignCompleted), "paid").Inc()
	logger.Info(ctx, "🎉 campaign paid out",
		zap.Int64("id", c.ID), zap.String("coin", c.Coin), zap.String("total", c.TotalAmount.String()),
		zap.Int("participants", n), zap.String("base_share", shares[n-1].String()))

	s.announce(ctx, c, domain.CampaignCompleted, "", n, shares[n-1])
	for i, p := range parts {
		notify.Send(ctx, s.notifier, p.UserID, domain.NotifyCampaignResult, domain.Payload{
			Coin: c.Coin, Amount: shares[i], Share: shares[i], CampaignID: c.ID,
			FromUser: c.CreatorID, Status: string(domain.CampaignCompleted),
		})
	}
	return domain.CampaignCompleted
}

func (s *Service) abort(ctx context.Context, c domain.Campaign, cause error) domain.CampaignStatus {
	logger.Error(ctx, "campaign processing failed, cancelling",
		zap.Int64("id", c.ID), zap.Error(cause))
	return s.done(ctx, c, domain.CampaignCancelled, ReasonProcessing, 0)
}

// retryLater 不改状态，红包留在 active 等下一次 tick
func (s *Service) retryLater(ctx context.Context, c domain.Campaign, cause error) domain.CampaignStatus {
	logger.Warn(ctx, "campaign settle deferred, will retry next tick",
		zap.Int64("id", c.ID), zap.Error(cause))
	return domain.CampaignActive
}

// done 写不进去的时候返回库里真实的状态
func (s *Service) done(ctx context.Context, c domain.Campaign, status domain.CampaignStatus, reason string, n int) domain.CampaignStatus {
	if err := s.finish(ctx, c, status, reason, n); err != nil {
		if st, ok := s.settledElsewhere(ctx, c); ok {
			return st
		}
		logger.Error(ctx, "finish campaign failed", zap.Int64("id", c.ID), zap.Error(err))
		return domain.CampaignActive
	}
	return status
}

// settledElsewhere 红包已经被别的调用收尾了（管理员提前结算和定时任务撞在一起）
func (s *Service) settledElsewhere(ctx context.Context, c domain.Campaign) (domain.CampaignStatus, bool) {
	cur, err := s.store.GetCampaign(ctx, c.ID)
	if err != nil || cur == nil || cur.Status == domain.CampaignActive {
		return "", false
	}
	logger.Info(ctx, "campaign already finished by another settle",
		zap.Int64("id", c.ID), zap.String("status", string(cur.Status)), zap.String("reason", cur.Reason))
	return cur.Status, true
}

// finish 非结算路径：只改状态，不动账本
func (s *Service) finish(ctx context.Context, c domain.Campaign, status domain.CampaignStatus, reason string, n int) error {
	ok, err := s.store.FinishCampaign(ctx, c.ID, status, reason, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return xerr.Newf(xerr.RequestParamsError, "campaign %d is no longer active", c.ID)
	}
	metrics.CampaignOutcomes.WithLabelValues(string(status), reason).Inc()
	logger.Info(ctx, "campaign finished",
		zap.Int64("id", c.ID), zap.String("status", string(status)), zap.String("reason", reason))
	s.announce(ctx, c, status, reason, n, decimal.Zero)
	return nil
}

// announce 群里的汇总消息
func (s *Service) announce(ctx context.Context, c domain.Campaign, status domain.CampaignStatus, reason string, n int, share decimal.Decimal) {
	notify.Send(ctx, s.notifier, 0, domain.NotifyCampaignResult, domain.Payload{
		Coin: c.Coin, Amount: c.TotalAmount, CampaignID: c.ID, GroupID: c.GroupID,
		FromUser: c.CreatorID, Status: string(status), Reason: reason,
		Participants: n, Share: share,
	})
}
