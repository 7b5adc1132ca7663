package scanner

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/internal/tipbot/notify"
	"tipbot.com/internal/tipbot/service"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/metrics"
	"tipbot.com/pkg/xerr"
)

// deposit 同一笔交易给同一个用户的多个输出合并
type deposit struct {
	txid   string
	userID int64
	amount decimal.Decimal
}

// WalkTick 从水位往后扫最多 BatchSize 个块，每处理完一个块推进一次水位，
// 最后复查所有带 txid 的 pending 流水
func (m *Monitor) WalkTick(ctx context.Context, coin string) error {
	client, settings, err := m.chains.Get(coin)
	if err != nil {
		return err
	}
	coin = settings.Symbol

	height, err := client.GetHeight(ctx)
	if err != nil {
		return err
	}
	metrics.ChainHeight.WithLabelValues(coin).Set(float64(height))

	watermark := settings.StartHeight
	state, err := m.store.GetSyncState(ctx, coin)
	if err != nil {
		return err
	}
	if state != nil {
		watermark = state.LastSyncedHeight
	}

	if height > watermark {
		end := watermark + m.cfg.BatchSize
		if end > height {
			end = height
		}
		for h := watermark + 1; h <= end; h++ {
			hash, err := m.walkBlock(ctx, client, settings, h, height)
			if err != nil {
				logger.Error(ctx, "区块处理失败，本轮中止",
					zap.String("coin", coin), zap.Int64("height", h), zap.Error(err))
				return err
			}
			if err := m.store.AdvanceSyncState(ctx, coin, h, hash); err != nil {
				return err
			}
			metrics.SyncedHeight.WithLabelValues(coin).Set(float64(h))
			metrics.BlocksProcessed.WithLabelValues(coin).Inc()
		}
		logger.Debug(ctx, "block walk progressed",
			zap.String("coin", coin), zap.Int64("from", watermark+1), zap.Int64("to", end), zap.Int64("tip", height))
	}

	return m.recheckPending(ctx, client, settings)
}

// walkBlock 先把块完整拿下来再动账本，传输失败时这个块什么都不会写
func (m *Monitor) walkBlock(ctx context.Context, client domain.ChainClient, settings domain.CoinSettings, h, tip int64) (string, error) {
	hash, err := client.GetBlockHash(ctx, h)
	if err != nil {
		return "", err
	}
	block, err := client.GetBlock(ctx, hash, true)
	if err != nil {
		return "", err
	}

	addrs := make([]string, 0)
	for _, tx := range block.Txs {
		for _, out := range tx.Outputs {
			if out.Address == "" {
				logger.Debug(ctx, "skip output without address",
					zap.String("coin", settings.Symbol), zap.String("txid", tx.Txid), zap.Uint32("n", out.N))
				continue
			}
			addrs = append(addrs, out.Address)
		}
	}
	if len(addrs) == 0 {
		return hash, nil
	}
	owners, err := m.store.FindOwners(ctx, settings.Symbol, addrs)
	if err != nil {
		return "", err
	}
	if len(owners) == 0 {
		return hash, nil
	}

	deposits := make([]*deposit, 0)
	index := make(map[string]*deposit)
	for _, tx := range block.Txs {
		for _, out := range tx.Outputs {
			userID, ok := owners[out.Address]
			if !ok || !out.Amount.IsPositive() {
				continue
			}
			key := depositKey(tx.Txid, userID)
			if d, ok := index[key]; ok {
				d.amount = d.amount.Add(out.Amount)
				continue
			}
			d := &deposit{txid: tx.Txid, userID: userID, amount: out.Amount}
			index[key] = d
			deposits = append(deposits, d)
		}
	}

	confirmations := block.Confirmations
	if confirmations <= 0 {
		confirmations = tip - h + 1
	}
	for _, d := range deposits {
		if err := m.applyDeposit(ctx, client, settings, d, h, confirmations); err != nil {
			return "", err
		}
	}
	return hash, nil
}

// applyDeposit 按 (txid, user, coin) 幂等；余额不按金额累加，由链上快照重算
func (m *Monitor) applyDeposit(ctx context.Context, client domain.ChainClient, settings domain.CoinSettings, d *deposit, h, confirmations int64) error {
	coin := settings.Symbol
	confirmed := confirmations >= int64(settings.Confirmations)

	existing, err := m.store.FindTransaction(ctx, d.txid, d.userID, coin)
	if err != nil {
		return err
	}
	if existing != nil {
		// 提现找零、已确认的充值都不用管
		if existing.Kind != domain.KindDeposit || existing.Status != domain.TxStatusPending || !confirmed {
			return nil
		}
		existing.BlockHeight = &h
		return m.confirm(ctx, client, settings, existing)
	}

	txid := d.txid
	row, err := m.ledger.RecordDeposit(ctx, d.userID, coin, d.amount, service.Posting{
		Txid:        &txid,
		Pending:     !confirmed,
		BlockHeight: &h,
	}, m.snapshot(client, settings, d.userID))
	if err != nil {
		return err
	}

	kind, status := domain.NotifyDepositPending, "pending"
	if confirmed {
		kind, status = domain.NotifyDepositConfirmed, "confirmed"
	}
	metrics.DepositsDetected.WithLabelValues(coin, status).Inc()
	logger.Info(ctx, "💰 deposit detected",
		zap.String("coin", coin), zap.Int64("user", d.userID), zap.String("txid", txid),
		zap.String("amount", d.amount.String()), zap.Int64("height", h), zap.String("status", status))
	notify.Send(ctx, m.notifier, d.userID, kind, domain.Payload{Coin: coin, Amount: row.Amount, Txid: txid})
	return nil
}

// confirm 真正翻转的那一次才发确认通知
func (m *Monitor) confirm(ctx context.Context, client domain.ChainClient, settings domain.CoinSettings, t *domain.Transaction) error {
	if t.Kind != domain.KindDeposit {
		flipped, err := m.ledger.ConfirmTransaction(ctx, t)
		if err == nil && flipped {
			logger.Info(ctx, "✅ withdrawal confirmed", zap.String("coin", t.Coin), zap.String("txid", txidOf(*t)))
		}
		return err
	}
	flipped, err := m.ledger.ConfirmDeposit(ctx, t, m.snapshot(client, settings, t.UserID))
	if err != nil || !flipped {
		return err
	}
	metrics.DepositsDetected.WithLabelValues(t.Coin, "confirmed").Inc()
	logger.Info(ctx, "✅ deposit confirmed",
		zap.String("coin", t.Coin), zap.Int64("user", t.UserID), zap.String("txid", txidOf(*t)))
	notify.Send(ctx, m.notifier, t.UserID, domain.NotifyDepositConfirmed, domain.Payload{
		Coin: t.Coin, Amount: t.Amount, Txid: txidOf(*t),
	})
	return nil
}

// recheckPending 扫块只能看到新块，老的 pending 靠这里按确认数翻转
func (m *Monitor) recheckPending(ctx context.Context, client domain.ChainClient, settings domain.CoinSettings) error {
	rows, err := m.store.ListPendingWithTxid(ctx, settings.Symbol)
	if err != nil {
		return err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	for i := range rows {
		row := rows[i]
		info, err := client.GetTransaction(ctx, txidOf(row))
		if xerr.Is(err, xerr.RecordNotFound) {
			logger.Warn(ctx, "pending transaction unknown to daemon",
				zap.String("coin", settings.Symbol), zap.String("txid", txidOf(row)))
			continue
		}
		if err != nil {
			return err
		}
		if info.Confirmations < int64(settings.Confirmations) {
			continue
		}
		if info.BlockHeight > 0 {
			bh := info.BlockHeight
			row.BlockHeight = &bh
		}
		if err := m.confirm(ctx, client, settings, &row); err != nil {
			return err
		}
	}
	return nil
}

// snapshot 用户当前地址的链上余额，在账本锁里才真正去读
func (m *Monitor) snapshot(client domain.ChainClient, settings domain.CoinSettings, userID int64) service.Snapshot {
	return func(ctx context.Context) (domain.OnchainBalance, error) {
		a, err := m.store.GetAddress(ctx, userID, settings.Symbol)
		if err != nil {
			return domain.OnchainBalance{}, err
		}
		if a == nil {
			return domain.OnchainBalance{}, xerr.Newf(xerr.RecordNotFound, "user %d has no %s address", userID, settings.Symbol)
		}
		return Onchain(ctx, client, settings, a.Address)
	}
}
