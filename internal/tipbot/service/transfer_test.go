package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/internal/tipbot/repo"
	"tipbot.com/pkg/xerr"
)

// brokenBalanceStore 某个用户的余额写回总是失败
type brokenBalanceStore struct {
	*repo.Repo
	broken int64
}

func (s *brokenBalanceStore) UpdateBalance(ctx context.Context, b *domain.Balance) error {
	if b.UserID == s.broken {
		return xerr.New(xerr.DbError, "disk full")
	}
	return s.Repo.UpdateBalance(ctx, b)
}

func TestDistribute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "1")
	b := e.user(t, 2, "0")
	c := e.user(t, 3, "0")
	outsider, err := e.users.Touch(ctx, 4, "")
	require.NoError(t, err)

	// 重复的、发送方自己、没有账本的都剔除
	res, err := e.transfer.Distribute(ctx, a.ID, "BTC", dec("0.1"), []int64{b.ID, c.ID, b.ID, a.ID, outsider.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.True(t, res.Share.Equal(dec("0.05")))

	assert.True(t, e.balance(t, a.ID).Confirmed.Equal(dec("0.9")))
	assert.True(t, e.balance(t, b.ID).Confirmed.Equal(dec("0.05")))
	assert.True(t, e.balance(t, c.ID).Confirmed.Equal(dec("0.05")))
	assert.Len(t, e.notes.Of(domain.NotifyTipReceived), 2)
}

// 单个接收人失败只跳过这一个，已经转出去的不回滚
func TestDistribute_OneRecipientFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "1")
	ids := make([]int64, 0, 4)
	for i := int64(10); i < 14; i++ {
		ids = append(ids, e.user(t, i, "0").ID)
	}
	broken := ids[2]

	ledger := NewLedger(&brokenBalanceStore{Repo: e.repo, broken: broken}, e.keys, Limits{})
	transfer := NewTransferService(ledger, e.repo, e.notes, TransferConfig{})

	res, err := transfer.Distribute(ctx, a.ID, "BTC", dec("0.4"), ids)
	require.NoError(t, err)
	assert.Equal(t, len(ids)-1, res.Succeeded)
	require.Len(t, res.Results, len(ids))
	for _, r := range res.Results {
		if r.UserID == broken {
			assert.False(t, r.OK)
			assert.NotEmpty(t, r.Error)
			continue
		}
		assert.True(t, r.OK)
	}

	for _, id := range ids {
		want := "0.1"
		if id == broken {
			want = "0"
		}
		assert.True(t, e.balance(t, id).Confirmed.Equal(dec(want)), "user %d", id)
	}
	assert.True(t, e.balance(t, a.ID).Confirmed.Equal(dec("0.7")), "失败那份留在发送方")
	assert.Len(t, e.notes.Of(domain.NotifyTipReceived), len(ids)-1)
}

func TestDistribute_TruncatesShare(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "1")
	ids := make([]int64, 0, 3)
	for i := int64(10); i < 13; i++ {
		ids = append(ids, e.user(t, i, "0").ID)
	}

	res, err := e.transfer.Distribute(ctx, a.ID, "BTC", dec("0.1"), ids)
	require.NoError(t, err)
	assert.True(t, res.Share.Equal(dec("0.03333333")))
	// 截断掉的 1 聪留在发送方
	assert.True(t, e.balance(t, a.ID).Confirmed.Equal(dec("0.90000001")))
}

func TestDistribute_Rejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "0.05")
	b := e.user(t, 2, "0")
	c := e.user(t, 3, "0")

	cases := []struct {
		name  string
		total string
		to    []int64
		code  int
	}{
		{name: "没有接收人", total: "0.01", to: []int64{a.ID}, code: xerr.RequestParamsError},
		{name: "每份低于下限", total: "0.00000001", to: []int64{b.ID, c.ID}, code: xerr.RequestParamsError},
		{name: "发送方余额不足", total: "0.1", to: []int64{b.ID, c.ID}, code: xerr.InsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.transfer.Distribute(ctx, a.ID, "BTC", dec(tc.total), tc.to)
			assert.True(t, xerr.Is(err, tc.code), "got %v", err)
		})
	}
	assert.True(t, e.balance(t, a.ID).Confirmed.Equal(dec("0.05")))
}

func TestRain_ActiveUsersOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, 1, "1")
	active := e.user(t, 2, "0")
	idle := e.user(t, 3, "0")

	require.NoError(t, e.repo.TouchUser(ctx, idle.ID, "", time.Now().Add(-time.Hour)))

	res, err := e.transfer.Rain(ctx, a.ID, "BTC", dec("0.5"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, active.ID, res.Results[0].UserID)
	assert.True(t, e.balance(t, idle.ID).Confirmed.IsZero())
}
