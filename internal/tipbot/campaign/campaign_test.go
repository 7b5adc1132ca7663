package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/internal/tipbot/locker"
	"tipbot.com/internal/tipbot/notify/notifytest"
	"tipbot.com/internal/tipbot/repo"
	"tipbot.com/internal/tipbot/service"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/orm"
	"tipbot.com/pkg/xerr"
)

func init() {
	logger.Init("tipbot-test", "error")
}

// failingStore 结算时写状态失败，用来验证整体回滚
type failingStore struct {
	*repo.Repo
	failComplete     bool
	failParticipants bool
}

func (f *failingStore) ListParticipants(ctx context.Context, campaignID int64) ([]domain.Participant, error) {
	if f.failParticipants {
		return nil, xerr.New(xerr.DbError, "connection reset")
	}
	return f.Repo.ListParticipants(ctx, campaignID)
}

// balanceStore 账本的无锁读余额被改写，模拟检查和扣款之间余额变了
type balanceStore struct {
	*repo.Repo
	extra decimal.Decimal
	err   error
}

func (b *balanceStore) GetBalance(ctx context.Context, userID int64, coin string) (*domain.Balance, error) {
	if b.err != nil {
		return nil, b.err
	}
	bal, err := b.Repo.GetBalance(ctx, userID, coin)
	if err != nil || bal == nil {
		return bal, err
	}
	bal.Confirmed = bal.Confirmed.Add(b.extra)
	return bal, nil
}

func (f *failingStore) FinishCampaign(ctx context.Context, id int64, status domain.CampaignStatus, reason string, at time.Time) (bool, error) {
	if f.failComplete && status == domain.CampaignCompleted {
		return false, xerr.New(xerr.DbError, "disk full")
	}
	return f.Repo.FinishCampaign(ctx, id, status, reason, at)
}

type fixture struct {
	repo   *repo.Repo
	store  *failingStore
	ledger *service.Ledger
	notes  *notifytest.Recorder
	svc    *Service
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := orm.Open(&orm.Config{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"})
	require.NoError(t, err)
	r := repo.New(db)
	require.NoError(t, r.Migrate(context.Background()))

	f := &fixture{repo: r, store: &failingStore{Repo: r}, notes: &notifytest.Recorder{}}
	f.clock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.ledger = service.NewLedger(r, locker.New(nil), service.Limits{})
	f.svc = New(f.store, f.ledger, f.notes, Config{})
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) user(t *testing.T, chatID int64, confirmed string) int64 {
	t.Helper()
	ctx := context.Background()
	u := &domain.User{ChatID: chatID, Label: "u", LastActivity: f.clock}
	require.NoError(t, f.repo.CreateUser(ctx, u))
	require.NoError(t, f.ledger.EnsureAccount(ctx, u.ID, "BTC"))
	if confirmed != "" {
		_, err := f.ledger.Credit(ctx, u.ID, "BTC", dec(confirmed), service.Posting{Kind: domain.KindDeposit})
		require.NoError(t, err)
	}
	return u.ID
}

func (f *fixture) confirmed(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), userID, "BTC")
	require.NoError(t, err)
	return b.Confirmed
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

// withLedgerStore 换一个读余额行为不同的账本，其它不变
func (f *fixture) withLedgerStore(bs *balanceStore) *Service {
	svc := New(f.store, service.NewLedger(bs, locker.New(nil), service.Limits{}), f.notes, Config{})
	svc.now = func() time.Time { return f.clock }
	return svc
}

func (f *fixture) status(t *testing.T, id int64) *domain.Campaign {
	t.Helper()
	c, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestCampaign_SplitTenOverThree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 1, "10")
	joiners := []int64{f.user(t, 2, ""), f.user(t, 3, ""), f.user(t, 4, "")}

	c, err := f.svc.Create(ctx, creator, -100, "btc", dec("10"), 5*time.Minute, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "BTC", c.Coin)

	for _, u := range joiners {
		f.advance(time.Second)
		ok, err := f.svc.Join(ctx, c.ID, u)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	// 重复报名
	ok, err := f.svc.Join(ctx, c.ID, joiners[0])
	require.NoError(t, err)
	assert.False(t, ok)

	f.advance(5 * time.Minute)
	n, err := f.svc.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, f.confirmed(t, creator).IsZero())
	want := []string{"3.33333334", "3.33333333", "3.33333333"}
	for i, u := range joiners {
		assert.True(t, f.confirmed(t, u).Equal(dec(want[i])), "第 %d 个人 %s", i, f.confirmed(t, u))
	}
	assert.Equal(t, domain.CampaignCompleted, f.status(t, c.ID).Status)

	rows, total, err := f.repo.ListTransactions(ctx, joiners[0], 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, domain.KindCampaignPayout, rows[0].Kind)
	require.NotNil(t, rows[0].CampaignID)
	assert.Equal(t, c.ID, *rows[0].CampaignID)

	// 一条群汇总 + 每人一条
	assert.Len(t, f.notes.Of(domain.NotifyCampaignResult), 4)

	// 已经结束的不会再处理
	n, err = f.svc.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCampaign_FinishWithoutPayout(t *testing.T) {
	tests := []struct {
		name       string
		total      string
		joiners    int
		drain      bool
		wantStatus domain.CampaignStatus
		wantReason string
	}{
		{name: "没人报名", total: "1", joiners: 0, wantStatus: domain.CampaignCompleted, wantReason: ReasonNoParticipants},
		{name: "份额低于 dust", total: "0.00000002", joiners: 3, wantStatus: domain.CampaignCompleted, wantReason: ReasonTooSmall},
		{name: "创建者余额不够", total: "1", joiners: 2, drain: true, wantStatus: domain.CampaignCancelled, wantReason: ReasonInsufficient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			creator := f.user(t, 1, "5")
			c, err := f.svc.Create(ctx, creator, -100, "BTC", dec(tt.total), time.Minute, "")
			require.NoError(t, err)
			for i := 0; i < tt.joiners; i++ {
				_, err := f.svc.Join(ctx, c.ID, f.user(t, int64(10+i), ""))
				require.NoError(t, err)
			}
			if tt.drain {
				_, err := f.ledger.Debit(ctx, creator, "BTC", dec("4.5"), service.Posting{Kind: domain.KindWithdrawal})
				require.NoError(t, err)
			}
			before := f.confirmed(t, creator)

			f.advance(time.Minute)
			_, err = f.svc.ProcessExpired(ctx)
			require.NoError(t, err)

			got := f.status(t, c.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantReason, got.Reason)
			assert.NotNil(t, got.CompletedAt)
			assert.True(t, f.confirmed(t, creator).Equal(before), "账本不动")
			assert.Len(t, f.notes.Of(domain.NotifyCampaignResult), 1, "只有群汇总")
		})
	}
}

func TestCampaign_RollbackOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 1, "10")
	a, b := f.user(t, 2, ""), f.user(t, 3, "")

	c, err := f.svc.Create(ctx, creator, -100, "BTC", dec("4"), time.Minute, "")
	require.NoError(t, err)
	for _, u := range []int64{a, b} {
		_, err := f.svc.Join(ctx, c.ID, u)
		require.NoError(t, err)
	}

	f.store.failComplete = true
	f.advance(time.Minute)
	_, err = f.svc.ProcessExpired(ctx)
	require.NoError(t, err)

	got := f.status(t, c.ID)
	assert.Equal(t, domain.CampaignCancelled, got.Status)
	assert.Equal(t, ReasonProcessing, got.Reason)
	assert.True(t, f.confirmed(t, creator).Equal(dec("10")))
	assert.True(t, f.confirmed(t, a).IsZero())
	assert.True(t, f.confirmed(t, b).IsZero())

	_, total, err := f.repo.ListTransactions(ctx, a, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total, "流水也回滚")
}

// 管理员提前结算和定时任务撞车，后到的一方返回真实的 completed，不会改成 cancelled
func TestCampaign_ConcurrentSettleLoser(t *testing.T) {
	cases := []struct {
		name    string
		balance string
	}{
		{name: "后到的一方余额还够", balance: "3"},
		{name: "后到的一方余额已经不够", balance: "1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			creator := f.user(t, 1, tc.balance)
			joiner := f.user(t, 2, "")

			c, err := f.svc.Create(ctx, creator, 0, "BTC", dec("1"), time.Hour, "")
			require.NoError(t, err)
			_, err = f.svc.Join(ctx, c.ID, joiner)
			require.NoError(t, err)
			stale := *f.status(t, c.ID)

			st, err := f.svc.CompleteNow(ctx, c.ID)
			require.NoError(t, err)
			require.Equal(t, domain.CampaignCompleted, st)

			assert.Equal(t, domain.CampaignCompleted, f.svc.settle(ctx, stale))
			got := f.status(t, c.ID)
			assert.Equal(t, domain.CampaignCompleted, got.Status)
			assert.Empty(t, got.Reason)
			assert.True(t, f.confirmed(t, joiner).Equal(dec("1")), "只付一次")
			assert.True(t, f.confirmed(t, creator).Equal(dec(tc.balance).Sub(dec("1"))))
		})
	}
}

// 检查时够、扣款时不够，按余额不足取消
func TestCampaign_InsufficientAtPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 1, "1")
	joiner := f.user(t, 2, "")

	c, err := f.svc.Create(ctx, creator, 0, "BTC", dec("1"), time.Minute, "")
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, c.ID, joiner)
	require.NoError(t, err)
	// 创建之后余额被花掉一半，但读余额还是旧值
	_, err = f.ledger.Debit(ctx, creator, "BTC", dec("0.5"), service.Posting{Kind: domain.KindWithdrawal})
	require.NoError(t, err)
	svc := f.withLedgerStore(&balanceStore{Repo: f.repo, extra: dec("0.5")})

	f.advance(time.Minute)
	_, err = svc.ProcessExpired(ctx)
	require.NoError(t, err)

	got := f.status(t, c.ID)
	assert.Equal(t, domain.CampaignCancelled, got.Status)
	assert.Equal(t, ReasonInsufficient, got.Reason)
	assert.True(t, f.confirmed(t, creator).Equal(dec("0.5")))
	assert.True(t, f.confirmed(t, joiner).IsZero())
}

// 读库暂时失败不取消，下一轮照常结算
func TestCampaign_TransientReadKeepsActive(t *testing.T) {
	cases := []struct {
		name    string
		breakIt func(f *fixture) *Service
	}{
		{name: "读参与人失败", breakIt: func(f *fixture) *Service {
			f.store.failParticipants = true
			return f.svc
		}},
		{name: "读余额失败", breakIt: func(f *fixture) *Service {
			return f.withLedgerStore(&balanceStore{Repo: f.repo, err: xerr.New(xerr.DbError, "connection reset")})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			creator := f.user(t, 1, "2")
			joiner := f.user(t, 2, "")

			c, err := f.svc.Create(ctx, creator, 0, "BTC", dec("1"), time.Minute, "")
			require.NoError(t, err)
			_, err = f.svc.Join(ctx, c.ID, joiner)
			require.NoError(t, err)

			f.advance(time.Minute)
			broken := tc.breakIt(f)
			_, err = broken.ProcessExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, domain.CampaignActive, f.status(t, c.ID).Status)
			assert.True(t, f.confirmed(t, creator).Equal(dec("2")))

			f.store.failParticipants = false
			n, err := f.svc.ProcessExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Equal(t, domain.CampaignCompleted, f.status(t, c.ID).Status)
			assert.True(t, f.confirmed(t, joiner).Equal(dec("1")))
		})
	}
}

func TestCampaign_CreateAndJoinRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 1, "1")
	stranger := int64(999)

	_, err := f.svc.Create(ctx, creator, 0, "BTC", dec("2"), time.Minute, "")
	assert.True(t, xerr.Is(err, xerr.InsufficientFunds))
	_, err = f.svc.Create(ctx, creator, 0, "BTC", dec("0.5"), 30*time.Second, "")
	assert.True(t, xerr.Is(err, xerr.RequestParamsError), "时长太短")
	_, err = f.svc.Create(ctx, creator, 0, "BTC", dec("0.5"), 2*time.Hour, "")
	assert.True(t, xerr.Is(err, xerr.RequestParamsError), "时长太长")
	_, err = f.svc.Create(ctx, stranger, 0, "BTC", dec("0.5"), time.Minute, "")
	assert.True(t, xerr.Is(err, xerr.RequestParamsError), "没有账本")

	c, err := f.svc.Create(ctx, creator, 0, "BTC", dec("0.5"), time.Minute, "")
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, c.ID, creator)
	assert.True(t, xerr.Is(err, xerr.RequestParamsError), "创建者不能参加")
	_, err = f.svc.Join(ctx, c.ID, stranger)
	assert.True(t, xerr.Is(err, xerr.RequestParamsError))
	_, err = f.svc.Join(ctx, 12345, f.user(t, 2, ""))
	assert.True(t, xerr.Is(err, xerr.RecordNotFound))

	f.advance(time.Minute)
	_, err = f.svc.Join(ctx, c.ID, f.user(t, 3, ""))
	assert.True(t, xerr.Is(err, xerr.RequestParamsError), "已过期")
}

func TestCampaign_AdminActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 1, "3")
	joiner := f.user(t, 2, "")

	c1, err := f.svc.Create(ctx, creator, 0, "BTC", dec("1"), time.Hour, "")
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, c1.ID, joiner)
	require.NoError(t, err)

	st, err := f.svc.CompleteNow(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCompleted, st)
	assert.True(t, f.confirmed(t, joiner).Equal(dec("1")))

	_, err = f.svc.CompleteNow(ctx, c1.ID)
	assert.True(t, xerr.Is(err, xerr.RequestParamsError), "终态不可变")

	c2, err := f.svc.Create(ctx, creator, 0, "BTC", dec("1"), time.Hour, "")
	require.NoError(t, err)
	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.CompletedLast24h)

	require.NoError(t, f.svc.Cancel(ctx, c2.ID, ""))
	got := f.status(t, c2.ID)
	assert.Equal(t, domain.CampaignCancelled, got.Status)
	assert.Equal(t, "manually cancelled", got.Reason)
	assert.True(t, f.confirmed(t, creator).Equal(dec("2")))

	assert.Error(t, f.svc.Cancel(ctx, c2.ID, "again"))
}

type fakeLeader struct{ ok bool }

func (l fakeLeader) TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) bool {
	return l.ok
}

func TestScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 1, "1")
	c, err := f.svc.Create(ctx, creator, 0, "BTC", dec("1"), time.Minute, "")
	require.NoError(t, err)
	f.advance(time.Minute)

	s, err := NewScheduler(f.svc)
	require.NoError(t, err)

	// 不是主，什么都不做
	s.WithLeader(fakeLeader{ok: false}).tick()
	assert.Equal(t, domain.CampaignActive, f.status(t, c.ID).Status)

	s.WithLeader(fakeLeader{ok: true}).tick()
	assert.Equal(t, domain.CampaignCompleted, f.status(t, c.ID).Status)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	bad := New(f.store, f.ledger, f.notes, Config{Schedule: "every sometimes"})
	_, err = NewScheduler(bad)
	assert.True(t, xerr.Is(err, xerr.ConfigError))
}
