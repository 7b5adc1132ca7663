package scanner

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/xerr"
)

// ReconcileTick 用链上余额覆盖每个地址对应的账本行，单个地址失败跳过
func (m *Monitor) ReconcileTick(ctx context.Context, coin string) error {
	client, settings, err := m.chains.Get(coin)
	if err != nil {
		return err
	}
	addrs, err := m.store.ListAddressesByCoin(ctx, settings.Symbol)
	if err != nil {
		return err
	}

	failed := 0
	for _, a := range addrs {
		if _, err := m.reconcileAddress(ctx, client, settings, a); err != nil {
			failed++
			logger.Warn(ctx, "reconcile address failed, skipped",
				zap.String("coin", settings.Symbol), zap.Int64("user", a.UserID),
				zap.String("address", a.Address), zap.Error(err))
		}
	}
	logger.Debug(ctx, "reconcile done",
		zap.String("coin", settings.Symbol), zap.Int("addresses", len(addrs)), zap.Int("failed", failed))
	return nil
}

// RefreshUser 管理员手动刷新单个用户
func (m *Monitor) RefreshUser(ctx context.Context, userID int64, coin string) (*domain.Balance, error) {
	client, settings, err := m.chains.Get(coin)
	if err != nil {
		return nil, err
	}
	a, err := m.store.GetAddress(ctx, userID, settings.Symbol)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, xerr.Newf(xerr.RecordNotFound, "user %d has no %s address", userID, settings.Symbol)
	}
	return m.reconcileAddress(ctx, client, settings, *a)
}

func (m *Monitor) reconcileAddress(ctx context.Context, client domain.ChainClient, settings domain.CoinSettings, a domain.WalletAddress) (*domain.Balance, error) {
	onchain, err := Onchain(ctx, client, settings, a.Address)
	if err != nil {
		return nil, err
	}
	return m.ledger.Reconcile(ctx, a.UserID, settings.Symbol, onchain)
}

// Onchain 已确认 = 达到确认数的 UTXO 之和；待确认 = 0 确认收到的减去达到确认数收到的
func Onchain(ctx context.Context, client domain.ChainClient, settings domain.CoinSettings, address string) (domain.OnchainBalance, error) {
	threshold := settings.Confirmations
	utxos, err := client.ListUnspent(ctx, threshold, math.MaxInt32, []string{address})
	if err != nil {
		return domain.OnchainBalance{}, err
	}
	confirmed := decimal.Zero
	for _, u := range utxos {
		confirmed = confirmed.Add(u.Amount)
	}

	all, err := client.GetReceivedByAddress(ctx, address, 0)
	if err != nil {
		return domain.OnchainBalance{}, err
	}
	settled, err := client.GetReceivedByAddress(ctx, address, threshold)
	if err != nil {
		return domain.OnchainBalance{}, err
	}
	return domain.OnchainBalance{
		Confirmed: confirmed,
		Pending:   decimal.Max(decimal.Zero, all.Sub(settled)),
	}, nil
}
