package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/internal/tipbot/notify"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/xerr"
)

type TransferConfig struct {
	Dust       decimal.Decimal // 每人份额的下限
	RainWindow time.Duration
}

type TransferService struct {
	ledger   *Ledger
	users    domain.UserRepo
	notifier domain.Notifier
	cfg      TransferConfig
	now      func() time.Time
}

func NewTransferService(ledger *Ledger, users domain.UserRepo, notifier domain.Notifier, cfg TransferConfig) *TransferService {
	if cfg.Dust.IsZero() {
		cfg.Dust = domain.Satoshi
	}
	if cfg.RainWindow <= 0 {
		cfg.RainWindow = 10 * time.Minute
	}
	return &TransferService{ledger: ledger, users: users, notifier: notifier, cfg: cfg, now: time.Now}
}

// Tip 一对一打赏
func (s *TransferService) Tip(ctx context.Context, from, to int64, coin string, amount decimal.Decimal) (*domain.Transaction, error) {
	coin = strings.ToUpper(coin)
	if from == to {
		return nil, xerr.New(xerr.RequestParamsError, "cannot tip yourself")
	}
	if err := s.ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}
	for _, id := range []int64{from, to} {
		ok, err := s.ledger.HasAccount(ctx, id, coin)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, xerr.Newf(xerr.RequestParamsError, "user %d has no %s account", id, coin)
		}
	}

	row, err := s.ledger.Transfer(ctx, from, to, coin, amount, Posting{Kind: domain.KindTip})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "💸 tip",
		zap.Int64("from", from), zap.Int64("to", to),
		zap.String("coin", coin), zap.String("amount", amount.String()))
	notify.Send(ctx, s.notifier, to, domain.NotifyTipReceived, domain.Payload{
		Coin: coin, Amount: amount, FromUser: from,
	})
	return row, nil
}

type RecipientResult struct {
	UserID int64  `json:"user_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type DistributeResult struct {
	Share     decimal.Decimal   `json:"share"`
	Succeeded int               `json:"succeeded"`
	Results   []RecipientResult `json:"results"`
}

// Distribute 平分给多人，每个人的转账各自独立，失败的跳过
func (s *TransferService) Distribute(ctx context.Context, from int64, coin string, total decimal.Decimal, recipients []int64) (*DistributeResult, error) {
	coin = strings.ToUpper(coin)
	if err := s.ledger.ValidateAmount(total); err != nil {
		return nil, err
	}

	eligible := make([]int64, 0, len(recipients))
	seen := map[int64]bool{from: true}
	for _, id := range recipients {
		if seen[id] {
			continue
		}
		seen[id] = true
		ok, err := s.ledger.HasAccount(ctx, id, coin)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return nil, xerr.New(xerr.RequestParamsError, "no eligible recipients")
	}

	share := domain.Floor8(total.Div(decimal.NewFromInt(int64(len(eligible)))))
	if share.LessThan(s.cfg.Dust) {
		return nil, xerr.Newf(xerr.RequestParamsError, "share %s is below the minimum %s", share.String(), s.cfg.Dust.String())
	}
	bal, err := s.ledger.GetBalance(ctx, from, coin)
	if err != nil {
		return nil, err
	}
	if bal.Confirmed.LessThan(total) {
		return nil, insufficient(bal, total)
	}

	res := &DistributeResult{Share: share, Results: make([]RecipientResult, 0, len(eligible))}
	for _, to := range eligible {
		_, err := s.ledger.Transfer(ctx, from, to, coin, share, Posting{Kind: domain.KindDistribution})
		if err != nil {
			logger.Warn(ctx, "distribution to recipient failed, skipped",
				zap.Int64("from", from), zap.Int64("to", to), zap.String("coin", coin), zap.Error(err))
			res.Results = append(res.Results, RecipientResult{UserID: to, Error: err.Error()})
			continue
		}
		res.Succeeded++
		res.Results = append(res.Results, RecipientResult{UserID: to, OK: true})
		notify.Send(ctx, s.notifier, to, domain.NotifyTipReceived, domain.Payload{
			Coin: coin, Amount: share, FromUser: from,
		})
	}
	logger.Info(ctx, "🌧 distribution done",
		zap.Int64("from", from), zap.String("coin", coin), zap.String("share", share.String()),
		zap.Int("succeeded", res.Succeeded), zap.Int("eligible", len(eligible)))
	return res, nil
}

// Rain 分给最近活跃的用户
func (s *TransferService) Rain(ctx context.Context, from int64, coin string, total decimal.Decimal) (*DistributeResult, error) {
	coin = strings.ToUpper(coin)
	active, err := s.users.ActiveUsers(ctx, coin, s.now().Add(-s.cfg.RainWindow))
	if err != nil {
		return nil, err
	}
	return s.Distribute(ctx, from, coin, total, active)
}
