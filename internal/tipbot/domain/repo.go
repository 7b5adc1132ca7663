package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TxManager 事务通过 ctx 传递，repo 方法自动使用 ctx 里的事务
type TxManager interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type UserRepo interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByChatID(ctx context.Context, chatID int64) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	TouchUser(ctx context.Context, id int64, username string, at time.Time) error
	// ActiveUsers 最近活跃且在该币种有账本的用户
	ActiveUsers(ctx context.Context, coin string, since time.Time) ([]int64, error)
	CountUsers(ctx context.Context) (int64, error)
}

// AddressRepo 不存在时返回 nil, nil
type AddressRepo interface {
	GetAddress(ctx context.Context, userID int64, coin string) (*WalletAddress, error)
	SaveAddress(ctx context.Context, a *WalletAddress) error
	ListAddressesByUser(ctx context.Context, userID int64) ([]WalletAddress, error)
	ListAddressesByCoin(ctx context.Context, coin string) ([]WalletAddress, error)
	// FindOwners address -> userID，只返回命中的
	FindOwners(ctx context.Context, coin string, addresses []string) (map[string]int64, error)
}

type BalanceRepo interface {
	// GetBalance 不存在时返回 nil, nil
	GetBalance(ctx context.Context, userID int64, coin string) (*Balance, error)
	// LockBalance SELECT ... FOR UPDATE，必须在事务里调用
	LockBalance(ctx context.Context, userID int64, coin string) (*Balance, error)
	EnsureBalance(ctx context.Context, userID int64, coin string) error
	// UpdateBalance 乐观锁，version 不匹配返回 VersionConflict
	UpdateBalance(ctx context.Context, b *Balance) error
	ListBalances(ctx context.Context, userID int64) ([]Balance, error)
}

type TransactionRepo interface {
	CreateTransaction(ctx context.Context, t *Transaction) error
	FindTransaction(ctx context.Context, txid string, userID int64, coin string) (*Transaction, error)
	// MarkConfirmed pending -> confirmed，返回是否真的翻转了
	MarkConfirmed(ctx context.Context, id int64, height *int64) (bool, error)
	ListPendingWithTxid(ctx context.Context, coin string) ([]Transaction, error)
	// InternalNet 站内转账的净额：收到的减去转出的
	InternalNet(ctx context.Context, userID int64, coin string) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, userID int64, page, limit int) ([]Transaction, int64, error)
	CountTransactionsSince(ctx context.Context, since time.Time) (map[TxKind]int64, error)
}

type SyncStateRepo interface {
	GetSyncState(ctx context.Context, coin string) (*SyncState, error)
	// AdvanceSyncState 只会往前推，height 不大于当前水位时什么都不做
	AdvanceSyncState(ctx context.Context, coin string, height int64, hash string) error
}

type CampaignStats struct {
	Active             int64 `json:"active"`
	CompletedLast24h   int64 `json:"completed_last_24h"`
	ActiveParticipants int64 `json:"active_participants"`
	ExpiringWithinHour int64 `json:"expiring_within_hour"`
}

type CampaignRepo interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id int64) (*Campaign, error)
	// AddParticipant 已经参加过返回 false
	AddParticipant(ctx context.Context, p *Participant) (bool, error)
	// ListParticipants 按加入顺序
	ListParticipants(ctx context.Context, campaignID int64) ([]Participant, error)
	ListExpiredActive(ctx context.Context, now time.Time) ([]Campaign, error)
	// FinishCampaign 只从 active 翻转，返回是否翻转成功
	FinishCampaign(ctx context.Context, id int64, status CampaignStatus, reason string, at time.Time) (bool, error)
	CampaignStats(ctx context.Context, now time.Time) (*CampaignStats, error)
}
