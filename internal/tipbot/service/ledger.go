package service

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/internal/tipbot/locker"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/metrics"
	"tipbot.com/pkg/xerr"
)

// Store 账本用到的全部持久化能力，repo.Repo 实现
type Store interface {
	domain.TxManager
	domain.UserRepo
	domain.AddressRepo
	domain.BalanceRepo
	domain.TransactionRepo
}

// Posting 一次余额变动附带的流水信息
type Posting struct {
	Kind        domain.TxKind
	Txid        *string
	FromUser    *int64
	ToUser      *int64
	Fee         decimal.Decimal
	Pending     bool // 记到 unconfirmed / 流水状态为 pending
	BlockHeight *int64
	CampaignID  *int64
}

type Limits struct {
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
}

// Ledger 所有余额变动的唯一入口
// 每次变动：按 key 锁住涉及的 (user, coin)，事务内 FOR UPDATE + version 写回，
// 同一事务里写一条流水
type Ledger struct {
	store   Store
	locker  *locker.KeyLocker
	limits  Limits
	retries uint
}

func NewLedger(store Store, keys *locker.KeyLocker, limits Limits) *Ledger {
	if limits.MinAmount.IsZero() {
		limits.MinAmount = domain.Satoshi
	}
	if limits.MaxAmount.IsZero() {
		limits.MaxAmount = domain.DefaultMaxValue
	}
	return &Ledger{store: store, locker: keys, limits: limits, retries: 3}
}

func (l *Ledger) Limits() Limits { return l.limits }

// ValidateAmount 用户发起的金额（打赏、提现、红包）
func (l *Ledger) ValidateAmount(amount decimal.Decimal) error {
	return domain.ValidateAmount(amount, l.limits.MinAmount, l.limits.MaxAmount)
}

// Atomic 锁住所有 (user, coin)，在一个事务里跑 fn
// version 冲突整体重试；ctx 里已经持有的 key 不会重复加锁
func (l *Ledger) Atomic(ctx context.Context, pairs []Pair, fn func(ctx context.Context) error) error {
	ctx, release, err := l.lock(ctx, pairs)
	if err != nil {
		return err
	}
	defer release()
	return l.inTx(ctx, fn)
}

func (l *Ledger) lock(ctx context.Context, pairs []Pair) (context.Context, func(), error) {
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, locker.BalanceKey(p.UserID, p.Coin))
	}
	ctx, release, err := l.locker.Lock(ctx, keys...)
	if err != nil {
		return ctx, nil, xerr.Wrap(err, xerr.ServerCommonError, "acquire ledger lock")
	}
	return ctx, release, nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(
		func() error { return l.store.Transaction(ctx, fn) },
		retry.Context(ctx),
		retry.Attempts(l.retries),
		retry.Delay(5*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return xerr.Is(err, xerr.VersionConflict) }),
	)
}

// Pair 一个账本行的坐标
type Pair struct {
	UserID int64
	Coin   string
}

func (l *Ledger) GetBalance(ctx context.Context, userID int64, coin string) (*domain.Balance, error) {
	coin = strings.ToUpper(coin)
	b, err := l.store.GetBalance(ctx, userID, coin)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return &domain.Balance{UserID: userID, Coin: coin}, nil
	}
	return b, nil
}

func (l *Ledger) ListBalances(ctx context.Context, userID int64) ([]domain.Balance, error) {
	return l.store.ListBalances(ctx, userID)
}

// HasAccount 账本行是否存在
func (l *Ledger) HasAccount(ctx context.Context, userID int64, coin string) (bool, error) {
	b, err := l.store.GetBalance(ctx, userID, strings.ToUpper(coin))
	return b != nil, err
}

// EnsureAccount 建零余额行，不算余额变动，不写流水
func (l *Ledger) EnsureAccount(ctx context.Context, userID int64, coin string) error {
	return l.store.EnsureBalance(ctx, userID, strings.ToUpper(coin))
}

func (l *Ledger) History(ctx context.Context, userID int64, page, limit int) ([]domain.Transaction, int64, error) {
	return l.store.ListTransactions(ctx, userID, page, limit)
}

// lockRow 行不存在时先建零余额
func (l *Ledger) lockRow(ctx context.Context, userID int64, coin string, create bool) (*domain.Balance, error) {
	b, err := l.store.LockBalance(ctx, userID, coin)
	if err != nil || b != nil || !create {
		return b, err
	}
	if err := l.store.EnsureBalance(ctx, userID, coin); err != nil {
		return nil, err
	}
	return l.store.LockBalance(ctx, userID, coin)
}

// Credit 直接加余额：确认的记 confirmed，pending 的记 unconfirmed
// 链上充值不走这里，走 RecordDeposit
func (l *Ledger) Credit(ctx context.Context, userID int64, coin string, amount decimal.Decimal, p Posting) (*domain.Transaction, error) {
	coin = strings.ToUpper(coin)
	if err := domain.ValidateAmount(amount, domain.Satoshi, decimal.Zero); err != nil {
		return nil, err
	}

	var row *domain.Transaction
	err := l.Atomic(ctx, []Pair{{userID, coin}}, func(ctx context.Context) error {
		b, err := l.lockRow(ctx, userID, coin, true)
		if err != nil {
			return err
		}
		if p.Pending {
			b.Unconfirmed = b.Unconfirmed.Add(amount)
		} else {
			b.Confirmed = b.Confirmed.Add(amount)
		}
		if err := l.store.UpdateBalance(ctx, b); err != nil {
			return err
		}
		row = p.row(userID, coin, amount)
		return l.store.CreateTransaction(ctx, row)
	})
	observe(coin, p.Kind, err)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Debit 扣款：confirmed 必须覆盖 amount + fee
func (l *Ledger) Debit(ctx context.Context, userID int64, coin string, amount decimal.Decimal, p Posting) (*domain.Transaction, error) {
	coin = strings.ToUpper(coin)
	if err := domain.ValidateAmount(amount, domain.Satoshi, decimal.Zero); err != nil {
		return nil, err
	}
	total := amount.Add(p.Fee)

	var row *domain.Transaction
	err := l.Atomic(ctx, []Pair{{userID, coin}}, func(ctx context.Context) error {
		b, err := l.lockRow(ctx, userID, coin, false)
		if err != nil {
			return err
		}
		if b == nil || b.Confirmed.LessThan(total) {
			return insufficient(b, total)
		}
		b.Confirmed = b.Confirmed.Sub(total)
		if err := l.store.UpdateBalance(ctx, b); err != nil {
			return err
		}
		if p.FromUser == nil {
			p.FromUser = &userID
		}
		row = p.row(userID, coin, amount)
		return l.store.CreateTransaction(ctx, row)
	})
	observe(coin, p.Kind, err)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Transfer 站内转账：扣发送方、加接收方、写一条 confirmed 流水，全部在一个事务里
func (l *Ledger) Transfer(ctx context.Context, from, to int64, coin string, amount decimal.Decimal, p Posting) (*domain.Transaction, error) {
	coin = strings.ToUpper(coin)
	if from == to {
		return nil, xerr.New(xerr.RequestParamsError, "cannot transfer to yourself")
	}
	if !p.Kind.Internal() {
		return nil, xerr.Newf(xerr.RequestParamsError, "%s is not an internal transfer", p.Kind)
	}
	if err := domain.ValidateAmount(amount, domain.Satoshi, decimal.Zero); err != nil {
		return nil, err
	}

	var row *domain.Transaction
	err := l.Atomic(ctx, []Pair{{from, coin}, {to, coin}}, func(ctx context.Context) error {
		var err error
		row, err = l.transferLocked(ctx, from, to, coin, amount, p)
		return err
	})
	observe(coin, p.Kind, err)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// transferLocked 调用方已经持锁并且在事务里
func (l *Ledger) transferLocked(ctx context.Context, from, to int64, coin string, amount decimal.Decimal, p Posting) (*domain.Transaction, error) {
	sender, err := l.lockRow(ctx, from, coin, false)
	if err != nil {
		return nil, err
	}
	if sender == nil || sender.Confirmed.LessThan(amount) {
		return nil, insufficient(sender, amount)
	}
	receiver, err := l.lockRow(ctx, to, coin, true)
	if err != nil {
		return nil, err
	}

	sender.Confirmed = sender.Confirmed.Sub(amount)
	receiver.Confirmed = receiver.Confirmed.Add(amount)
	if err := l.store.UpdateBalance(ctx, sender); err != nil {
		return nil, err
	}
	if err := l.store.UpdateBalance(ctx, receiver); err != nil {
		return nil, err
	}

	p.FromUser, p.ToUser, p.Pending, p.Txid = &from, &to, false, nil
	row := p.row(to, coin, amount)
	if err := l.store.CreateTransaction(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

type Payout struct {
	UserID int64
	Amount decimal.Decimal
}

// Disburse 一次扣掉发送方合计，再给每个人入账，每人一条流水
// 任何一步失败整个事务回滚
func (l *Ledger) Disburse(ctx context.Context, from int64, coin string, payouts []Payout, p Posting) ([]*domain.Transaction, error) {
	coin = strings.ToUpper(coin)
	if !p.Kind.Internal() {
		return nil, xerr.Newf(xerr.RequestParamsError, "%s is not an internal transfer", p.Kind)
	}
	total := decimal.Zero
	pairs := []Pair{{from, coin}}
	for _, po := range payouts {
		if po.UserID == from {
			return nil, xerr.New(xerr.RequestParamsError, "cannot pay yourself")
		}
		if !po.Amount.IsPositive() {
			return nil, xerr.New(xerr.RequestParamsError, "payout must be positive")
		}
		total = total.Add(po.Amount)
		pairs = append(pairs, Pair{po.UserID, coin})
	}

	var rows []*domain.Transaction
	err := l.Atomic(ctx, pairs, func(ctx context.Context) error {
		rows = make([]*domain.Transaction, 0, len(payouts))
		sender, err := l.lockRow(ctx, from, coin, false)
		if err != nil {
			return err
		}
		if sender == nil || sender.Confirmed.LessThan(total) {
			return insufficient(sender, total)
		}
		sender.Confirmed = sender.Confirmed.Sub(total)
		if err := l.store.UpdateBalance(ctx, sender); err != nil {
			return err
		}
		for _, po := range payouts {
			b, err := l.lockRow(ctx, po.UserID, coin, true)
			if err != nil {
				return err
			}
			b.Confirmed = b.Confirmed.Add(po.Amount)
			if err := l.store.UpdateBalance(ctx, b); err != nil {
				return err
			}
			to := po.UserID
			q := p
			q.FromUser, q.ToUser, q.Pending, q.Txid = &from, &to, false, nil
			row := q.row(to, coin, po.Amount)
			if err := l.store.CreateTransaction(ctx, row); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	observe(coin, p.Kind, err)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ConfirmTransaction pending -> confirmed 只会成功一次，只翻状态不动余额
// 充值要走 ConfirmDeposit，余额由链上快照重算；返回这次调用是否真的翻转了
func (l *Ledger) ConfirmTransaction(ctx context.Context, t *domain.Transaction) (bool, error) {
	if t.Kind == domain.KindDeposit {
		return false, xerr.New(xerr.RequestParamsError, "deposits are confirmed through ConfirmDeposit")
	}
	var flipped bool
	err := l.Atomic(ctx, []Pair{{t.UserID, t.Coin}}, func(ctx context.Context) error {
		var err error
		flipped, err = l.store.MarkConfirmed(ctx, t.ID, t.BlockHeight)
		return err
	})
	if err != nil {
		return false, err
	}
	if flipped {
		t.Status = domain.TxStatusConfirmed
		metrics.LedgerOps.WithLabelValues(t.Coin, "confirm", "ok").Inc()
	}
	return flipped, nil
}

// Snapshot 读一次链上余额；在 (user, coin) 锁里调用，拿到的值和随后的重算之间不会插进别的写
type Snapshot func(ctx context.Context) (domain.OnchainBalance, error)

// RecordDeposit 写一条充值流水，余额不做加法，用链上快照加站内净额重算
// 同一笔链上资金对账已经算进去过的话，这里不会再算一次
func (l *Ledger) RecordDeposit(ctx context.Context, userID int64, coin string, amount decimal.Decimal, p Posting, snapshot Snapshot) (*domain.Transaction, error) {
	coin = strings.ToUpper(coin)
	if err := domain.ValidateAmount(amount, domain.Satoshi, decimal.Zero); err != nil {
		return nil, err
	}
	p.Kind = domain.KindDeposit

	var row *domain.Transaction
	err := l.withSnapshot(ctx, userID, coin, snapshot, func(ctx context.Context, onchain domain.OnchainBalance) error {
		row = p.row(userID, coin, amount)
		if err := l.store.CreateTransaction(ctx, row); err != nil {
			return err
		}
		_, err := l.rederive(ctx, userID, coin, onchain)
		return err
	})
	observe(coin, domain.KindDeposit, err)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ConfirmDeposit pending 充值翻成 confirmed，只会成功一次；翻转后余额按链上快照重算
func (l *Ledger) ConfirmDeposit(ctx context.Context, t *domain.Transaction, snapshot Snapshot) (bool, error) {
	if t.Kind != domain.KindDeposit {
		return false, xerr.Newf(xerr.RequestParamsError, "%s is not a deposit", t.Kind)
	}
	var flipped bool
	err := l.withSnapshot(ctx, t.UserID, t.Coin, snapshot, func(ctx context.Context, onchain domain.OnchainBalance) error {
		ok, err := l.store.MarkConfirmed(ctx, t.ID, t.BlockHeight)
		if err != nil || !ok {
			flipped = false
			return err
		}
		flipped = true
		_, err = l.rederive(ctx, t.UserID, t.Coin, onchain)
		return err
	})
	if err != nil {
		return false, err
	}
	if flipped {
		t.Status = domain.TxStatusConfirmed
		metrics.LedgerOps.WithLabelValues(t.Coin, "confirm", "ok").Inc()
	}
	return flipped, nil
}

// withSnapshot 先拿锁，再读链上，最后开事务；读链上不占数据库连接
func (l *Ledger) withSnapshot(ctx context.Context, userID int64, coin string, snapshot Snapshot, fn func(ctx context.Context, onchain domain.OnchainBalance) error) error {
	ctx, release, err := l.lock(ctx, []Pair{{userID, coin}})
	if err != nil {
		return err
	}
	defer release()
	onchain, err := snapshot(ctx)
	if err != nil {
		return err
	}
	return l.inTx(ctx, func(ctx context.Context) error { return fn(ctx, onchain) })
}

// Reconcile 用链上视角覆盖账本行
// confirmed = max(0, 链上已确认 + 站内净额)，unconfirmed = 链上待确认；不写流水
func (l *Ledger) Reconcile(ctx context.Context, userID int64, coin string, onchain domain.OnchainBalance) (*domain.Balance, error) {
	coin = strings.ToUpper(coin)
	var out *domain.Balance
	err := l.Atomic(ctx, []Pair{{userID, coin}}, func(ctx context.Context) error {
		var err error
		out, err = l.rederive(ctx, userID, coin, onchain)
		return err
	})
	observe(coin, "reconcile", err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rederive 调用方已经持锁并且在事务里
func (l *Ledger) rederive(ctx context.Context, userID int64, coin string, onchain domain.OnchainBalance) (*domain.Balance, error) {
	net, err := l.store.InternalNet(ctx, userID, coin)
	if err != nil {
		return nil, err
	}
	b, err := l.lockRow(ctx, userID, coin, true)
	if err != nil {
		return nil, err
	}
	raw := onchain.Confirmed.Add(net)
	if raw.IsNegative() {
		// 站内转出比链上多，说明有钱被重复记过或者链上资金被别处花掉了
		metrics.ReconcileClamped.WithLabelValues(coin).Inc()
		logger.Warn(ctx, "⚠️ reconcile result negative, clamped to 0",
			zap.Int64("user", userID), zap.String("coin", coin),
			zap.String("onchain", onchain.Confirmed.String()), zap.String("internal_net", net.String()),
			zap.String("raw", raw.String()))
	}
	confirmed := decimal.Max(decimal.Zero, raw)
	pending := decimal.Max(decimal.Zero, onchain.Pending)
	if b.Confirmed.Equal(confirmed) && b.Unconfirmed.Equal(pending) {
		return b, nil
	}
	logger.Debug(ctx, "reconcile balance",
		zap.Int64("user", userID), zap.String("coin", coin),
		zap.String("confirmed", b.Confirmed.String()+" -> "+confirmed.String()),
		zap.String("unconfirmed", b.Unconfirmed.String()+" -> "+pending.String()))
	b.Confirmed, b.Unconfirmed = confirmed, pending
	if err := l.store.UpdateBalance(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (p Posting) row(userID int64, coin string, amount decimal.Decimal) *domain.Transaction {
	status := domain.TxStatusConfirmed
	if p.Pending {
		status = domain.TxStatusPending
	}
	return &domain.Transaction{
		Txid:        p.Txid,
		UserID:      userID,
		Coin:        coin,
		FromUser:    p.FromUser,
		ToUser:      p.ToUser,
		Amount:      amount,
		Fee:         p.Fee,
		Kind:        p.Kind,
		Status:      status,
		BlockHeight: p.BlockHeight,
		CampaignID:  p.CampaignID,
	}
}

func insufficient(b *domain.Balance, need decimal.Decimal) error {
	have := decimal.Zero
	if b != nil {
		have = b.Confirmed
	}
	return xerr.Newf(xerr.InsufficientFunds, "insufficient balance: have %s, need %s", have.String(), need.String())
}

func observe(coin string, kind domain.TxKind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if xerr.Is(err, xerr.InsufficientFunds) {
			result = "insufficient"
		}
	}
	metrics.LedgerOps.WithLabelValues(coin, string(kind), result).Inc()
}
