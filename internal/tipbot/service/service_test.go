package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"tipbot.com/internal/tipbot/chain/chaintest"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/internal/tipbot/locker"
	"tipbot.com/internal/tipbot/notify/notifytest"
	"tipbot.com/internal/tipbot/repo"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/orm"
)

func init() {
	logger.Init("tipbot-test", "error")
}

type env struct {
	repo     *repo.Repo
	btc      *chaintest.Fake
	chains   *chaintest.Registry
	keys     *locker.KeyLocker
	ledger   *Ledger
	notes    *notifytest.Recorder
	users    *UserService
	dir      *Directory
	transfer *TransferService
	withdraw *WithdrawService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := orm.Open(&orm.Config{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"})
	require.NoError(t, err)
	r := repo.New(db)
	require.NoError(t, r.Migrate(context.Background()))

	e := &env{repo: r, btc: chaintest.New("BTC"), keys: locker.New(nil), notes: &notifytest.Recorder{}}
	e.chains = chaintest.NewRegistry(e.btc)
	e.ledger = NewLedger(r, e.keys, Limits{})
	e.users = NewUserService(r)
	e.dir = NewDirectory(r, e.chains, e.keys)
	e.transfer = NewTransferService(e.ledger, r, e.notes, TransferConfig{})
	e.withdraw = NewWithdrawService(r, e.ledger, e.chains, e.keys, e.notes)
	return e
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// user 建用户并且在 BTC 上入账 confirmed
func (e *env) user(t *testing.T, chatID int64, confirmed string) *domain.User {
	t.Helper()
	ctx := context.Background()
	u, err := e.users.Touch(ctx, chatID, "")
	require.NoError(t, err)
	require.NoError(t, e.ledger.EnsureAccount(ctx, u.ID, "BTC"))
	if confirmed != "" && !dec(confirmed).IsZero() {
		_, err = e.ledger.Credit(ctx, u.ID, "BTC", dec(confirmed), Posting{Kind: domain.KindDeposit})
		require.NoError(t, err)
	}
	return u
}

func (e *env) balance(t *testing.T, userID int64) *domain.Balance {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), userID, "BTC")
	require.NoError(t, err)
	return b
}
