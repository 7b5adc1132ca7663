package service

import (
	"context"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/metrics"
	"tipbot.com/pkg/xerr"
)

func TestLedger_TipScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1001, "100")
	b := e.user(t, 1002, "0")

	row, err := e.transfer.Tip(ctx, a.ID, b.ID, "btc", dec("30"))
	require.NoError(t, err)
	assert.Equal(t, domain.KindTip, row.Kind)
	assert.Equal(t, domain.TxStatusConfirmed, row.Status)
	assert.Equal(t, b.ID, row.UserID)
	assert.Nil(t, row.Txid)

	assert.True(t, e.balance(t, a.ID).Confirmed.Equal(dec("70")))
	assert.True(t, e.balance(t, b.ID).Confirmed.Equal(dec("30")))

	list, total, err := e.ledger.History(ctx, b.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, row.ID, list[0].ID)

	tips := e.notes.Of(domain.NotifyTipReceived)
	require.Len(t, tips, 1)
	assert.Equal(t, b.ID, tips[0].UserID)
}

func TestLedger_TipRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "10")
	b := e.user(t, 2, "0")
	noAccount, err := e.users.Touch(ctx, 3, "")
	require.NoError(t, err)

	cases := []struct {
		name   string
		from   int64
		to     int64
		amount string
		code   int
	}{
		{name: "余额不足", from: a.ID, to: b.ID, amount: "10.00000001", code: xerr.InsufficientFunds},
		{name: "自己打赏自己", from: a.ID, to: a.ID, amount: "1", code: xerr.RequestParamsError},
		{name: "零金额", from: a.ID, to: b.ID, amount: "0", code: xerr.RequestParamsError},
		{name: "负金额", from: a.ID, to: b.ID, amount: "-1", code: xerr.RequestParamsError},
		{name: "超过 8 位小数", from: a.ID, to: b.ID, amount: "0.000000001", code: xerr.RequestParamsError},
		{name: "超过上限", from: a.ID, to: b.ID, amount: "1000001", code: xerr.RequestParamsError},
		{name: "接收方没有账本", from: a.ID, to: noAccount.ID, amount: "1", code: xerr.RequestParamsError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.transfer.Tip(ctx, tc.from, tc.to, "BTC", dec(tc.amount))
			assert.True(t, xerr.Is(err, tc.code), "got %v", err)
		})
	}

	// 全部失败，余额不变
	assert.True(t, e.balance(t, a.ID).Confirmed.Equal(dec("10")))
	assert.True(t, e.balance(t, b.ID).Confirmed.IsZero())
	assert.Empty(t, e.notes.Of(domain.NotifyTipReceived))
}

func TestLedger_DebitInsufficientNoMutation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "1")

	_, err := e.ledger.Debit(ctx, a.ID, "BTC", dec("1"), Posting{Kind: domain.KindWithdrawal, Fee: dec("0.001")})
	assert.True(t, xerr.Is(err, xerr.InsufficientFunds))
	assert.True(t, e.balance(t, a.ID).Confirmed.Equal(dec("1")))

	_, total, err := e.ledger.History(ctx, a.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total, "只有初始充值那一条")
}

func TestLedger_ConcurrentTipsNeverOverdraw(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "1")
	b := e.user(t, 2, "0")
	c := e.user(t, 3, "0")

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		to := b.ID
		if i%2 == 1 {
			to = c.ID
		}
		go func(to int64) {
			defer wg.Done()
			if _, err := e.ledger.Transfer(ctx, a.ID, to, "BTC", dec("0.1"), Posting{Kind: domain.KindTip}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.True(t, e.balance(t, a.ID).Confirmed.IsZero())
	sum := e.balance(t, b.ID).Confirmed.Add(e.balance(t, c.ID).Confirmed)
	assert.True(t, sum.Equal(dec("1")), "守恒: %s", sum)
}

func TestLedger_ConfirmOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "")
	txid := "deadbeef"

	onchain := domain.OnchainBalance{Pending: dec("2")}
	snapshot := func(context.Context) (domain.OnchainBalance, error) { return onchain, nil }

	row, err := e.ledger.RecordDeposit(ctx, a.ID, "BTC", dec("2"), Posting{Txid: &txid, Pending: true}, snapshot)
	require.NoError(t, err)
	assert.True(t, e.balance(t, a.ID).Unconfirmed.Equal(dec("2")))

	_, err = e.ledger.ConfirmTransaction(ctx, row)
	assert.True(t, xerr.Is(err, xerr.RequestParamsError), "充值不能只翻状态")

	onchain = domain.OnchainBalance{Confirmed: dec("2")}
	flipped, err := e.ledger.ConfirmDeposit(ctx, row, snapshot)
	require.NoError(t, err)
	assert.True(t, flipped)

	again, err := e.ledger.ConfirmDeposit(ctx, row, snapshot)
	require.NoError(t, err)
	assert.False(t, again, "第二次确认不能再入账")

	bal := e.balance(t, a.ID)
	assert.True(t, bal.Confirmed.Equal(dec("2")))
	assert.True(t, bal.Unconfirmed.IsZero())
}

// 充值入账按链上快照重算，对账已经算过的钱不会再加一次
func TestLedger_RecordDepositRederives(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "")
	b := e.user(t, 2, "")
	onchain := domain.OnchainBalance{Confirmed: dec("1")}
	snapshot := func(context.Context) (domain.OnchainBalance, error) { return onchain, nil }

	_, err := e.ledger.Reconcile(ctx, a.ID, "BTC", onchain)
	require.NoError(t, err)
	_, err = e.transfer.Tip(ctx, a.ID, b.ID, "BTC", dec("0.3"))
	require.NoError(t, err)

	txid := "late"
	_, err = e.ledger.RecordDeposit(ctx, a.ID, "BTC", dec("1"), Posting{Txid: &txid}, snapshot)
	require.NoError(t, err)
	bal := e.balance(t, a.ID)
	assert.True(t, bal.Confirmed.Equal(dec("0.7")), "confirmed %s", bal.Confirmed)

	// 快照失败什么都不写
	_, err = e.ledger.RecordDeposit(ctx, a.ID, "BTC", dec("1"), Posting{Txid: &txid}, func(context.Context) (domain.OnchainBalance, error) {
		return domain.OnchainBalance{}, xerr.New(xerr.TransportError, "down")
	})
	assert.True(t, xerr.Is(err, xerr.TransportError))
	assert.True(t, e.balance(t, a.ID).Confirmed.Equal(dec("0.7")))
}

func TestLedger_Reconcile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "5")
	b := e.user(t, 2, "0")

	_, err := e.transfer.Tip(ctx, a.ID, b.ID, "BTC", dec("2"))
	require.NoError(t, err)

	cases := []struct {
		name        string
		user        int64
		onchain     domain.OnchainBalance
		confirmed   string
		unconfirmed string
	}{
		{name: "链上余额减去转出", user: a.ID, onchain: domain.OnchainBalance{Confirmed: dec("5"), Pending: dec("0.5")}, confirmed: "3", unconfirmed: "0.5"},
		{name: "没有链上余额只有收到的打赏", user: b.ID, onchain: domain.OnchainBalance{}, confirmed: "2", unconfirmed: "0"},
		{name: "链上不够抵扣时归零", user: a.ID, onchain: domain.OnchainBalance{Confirmed: dec("1")}, confirmed: "0", unconfirmed: "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bal, err := e.ledger.Reconcile(ctx, tc.user, "BTC", tc.onchain)
			require.NoError(t, err)
			assert.True(t, bal.Confirmed.Equal(dec(tc.confirmed)), "confirmed %s", bal.Confirmed)
			assert.True(t, bal.Unconfirmed.Equal(dec(tc.unconfirmed)), "unconfirmed %s", bal.Unconfirmed)
		})
	}
}

func TestLedger_ReconcileClampIsCounted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "5")
	b := e.user(t, 2, "0")
	_, err := e.transfer.Tip(ctx, a.ID, b.ID, "BTC", dec("2"))
	require.NoError(t, err)

	before := clampCount(t)
	_, err = e.ledger.Reconcile(ctx, b.ID, "BTC", domain.OnchainBalance{})
	require.NoError(t, err)
	assert.Equal(t, before, clampCount(t), "结果为正不计数")

	bal, err := e.ledger.Reconcile(ctx, a.ID, "BTC", domain.OnchainBalance{Confirmed: dec("1")})
	require.NoError(t, err)
	assert.True(t, bal.Confirmed.IsZero())
	assert.Equal(t, before+1, clampCount(t))
}

func clampCount(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.ReconcileClamped.WithLabelValues("BTC").Write(&m))
	return m.GetCounter().GetValue()
}

func TestLedger_DisburseRollback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "1")
	b := e.user(t, 2, "0")
	c := e.user(t, 3, "0")

	_, err := e.ledger.Disburse(ctx, a.ID, "BTC", []Payout{
		{UserID: b.ID, Amount: dec("0.6")},
		{UserID: c.ID, Amount: dec("0.6")},
	}, Posting{Kind: domain.KindCampaignPayout})
	assert.True(t, xerr.Is(err, xerr.InsufficientFunds))

	rows, err := e.ledger.Disburse(ctx, a.ID, "BTC", []Payout{
		{UserID: b.ID, Amount: dec("0.6")},
		{UserID: c.ID, Amount: dec("0.4")},
	}, Posting{Kind: domain.KindCampaignPayout})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.True(t, e.balance(t, a.ID).Confirmed.IsZero())
	assert.True(t, e.balance(t, b.ID).Confirmed.Equal(dec("0.6")))
	assert.True(t, e.balance(t, c.ID).Confirmed.Equal(dec("0.4")))
}
