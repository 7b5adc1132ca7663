package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tipbot.com/internal/tipbot/chain/chaintest"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/xerr"
)

const dest = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"

// withdrawUser 有地址、有账本余额、链上有 UTXO
func withdrawUser(t *testing.T, e *env, confirmed string, utxos ...string) (*domain.User, string) {
	t.Helper()
	ctx := context.Background()
	u := e.user(t, 500, confirmed)
	addr, err := e.dir.GetOrCreateAddress(ctx, u.ID, "BTC")
	require.NoError(t, err)
	for i, amt := range utxos {
		e.btc.Unspents = append(e.btc.Unspents, domain.Unspent{
			Txid: "utxo", Vout: uint32(i), Address: addr, Amount: dec(amt), Confirmations: 10,
		})
	}
	return u, addr
}

func TestWithdraw_Success(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u, addr := withdrawUser(t, e, "2", "0.5", "0.7", "0.8")

	res, err := e.withdraw.Withdraw(ctx, u.ID, "BTC", dec("1"), dest)
	require.NoError(t, err)
	assert.True(t, res.Fee.Equal(dec("0.001")), "估算低于最低手续费时用最低值")
	assert.Equal(t, "txid-1", res.Txid)

	require.Len(t, e.btc.Built, 1)
	built := e.btc.Built[0]
	assert.Len(t, built.Inputs, 2, "贪心选到够为止")
	require.Len(t, built.Outputs, 2)
	assert.Equal(t, dest, built.Outputs[0].Address)
	assert.True(t, built.Outputs[0].Amount.Equal(dec("1")))
	assert.Equal(t, addr, built.Outputs[1].Address)
	assert.True(t, built.Outputs[1].Amount.Equal(dec("0.199")))

	bal := e.balance(t, u.ID)
	assert.True(t, bal.Confirmed.Equal(dec("0.999")), "扣 amount + fee")

	row, err := e.repo.FindTransaction(ctx, "txid-1", u.ID, "BTC")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, domain.KindWithdrawal, row.Kind)
	assert.Equal(t, domain.TxStatusPending, row.Status)
	assert.Nil(t, row.ToUser)
	assert.Len(t, e.notes.Of(domain.NotifyWithdrawalSent), 1)
}

func TestWithdraw_DustChangeOmitted(t *testing.T) {
	e := newEnv(t)
	u, _ := withdrawUser(t, e, "2", "1.001005")

	res, err := e.withdraw.Withdraw(context.Background(), u.ID, "BTC", dec("1"), dest)
	require.NoError(t, err)
	assert.True(t, res.Change.IsZero())
	require.Len(t, e.btc.Built, 1)
	assert.Len(t, e.btc.Built[0].Outputs, 1, "0.000005 的找零直接给矿工")
}

func TestWithdraw_Rejected(t *testing.T) {
	cases := []struct {
		name      string
		confirmed string
		utxos     []string
		amount    string
		dest      string
		setup     func(e *env)
		code      int
	}{
		{name: "目标地址非法", confirmed: "2", utxos: []string{"2"}, amount: "1", dest: "bad", code: xerr.RequestParamsError},
		{name: "账本余额不足", confirmed: "0.5", utxos: []string{"2"}, amount: "1", dest: dest, code: xerr.InsufficientFunds},
		{name: "不够付手续费", confirmed: "1", utxos: []string{"2"}, amount: "1", dest: dest, code: xerr.InsufficientFunds},
		{name: "没有 UTXO", confirmed: "2", amount: "1", dest: dest, code: xerr.InsufficientFunds},
		{name: "UTXO 不够", confirmed: "2", utxos: []string{"0.5", "0.5"}, amount: "1", dest: dest, code: xerr.InsufficientFunds},
		{
			name: "签名不完整", confirmed: "2", utxos: []string{"2"}, amount: "1", dest: dest,
			setup: func(e *env) { e.btc.Incomplete = true },
			code:  xerr.SigningFailure,
		},
		{
			name: "广播失败", confirmed: "2", utxos: []string{"2"}, amount: "1", dest: dest,
			setup: func(e *env) {
				e.btc.SetErr("BroadcastTransaction", chaintest.TransportDown("sendrawtransaction"))
			},
			code: xerr.TransportError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			u, _ := withdrawUser(t, e, tc.confirmed, tc.utxos...)
			if tc.setup != nil {
				tc.setup(e)
			}

			_, err := e.withdraw.Withdraw(context.Background(), u.ID, "BTC", dec(tc.amount), tc.dest)
			assert.True(t, xerr.Is(err, tc.code), "got %v", err)
			assert.True(t, e.balance(t, u.ID).Confirmed.Equal(dec(tc.confirmed)), "失败不扣账")
			if tc.code == xerr.SigningFailure {
				assert.Equal(t, 0, e.btc.CallCount("BroadcastTransaction"), "签名不完整不能广播")
			}
			assert.Empty(t, e.notes.Of(domain.NotifyWithdrawalSent))
		})
	}
}

func TestWithdraw_FeeEstimateFallback(t *testing.T) {
	e := newEnv(t)
	u, _ := withdrawUser(t, e, "2", "2")
	e.btc.SetErr("EstimateFee", chaintest.TransportDown("estimatesmartfee"))

	res, err := e.withdraw.Withdraw(context.Background(), u.ID, "BTC", dec("1"), dest)
	require.NoError(t, err)
	assert.True(t, res.Fee.Equal(dec("0.001")))

	e2 := newEnv(t)
	u2, _ := withdrawUser(t, e2, "2", "2")
	e2.btc.FeeRate = dec("0.0035")
	res, err = e2.withdraw.Withdraw(context.Background(), u2.ID, "BTC", dec("1"), dest)
	require.NoError(t, err)
	assert.True(t, res.Fee.Equal(dec("0.0035")))
}
