package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxKind string

const (
	KindDeposit        TxKind = "deposit"
	KindWithdrawal     TxKind = "withdrawal"
	KindTip            TxKind = "tip"
	KindDistribution   TxKind = "distribution"
	KindCampaignPayout TxKind = "campaign-payout"
)

// Internal 站内转账（没有链上 txid）
func (k TxKind) Internal() bool {
	return k == KindTip || k == KindDistribution || k == KindCampaignPayout
}

type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusCancelled TxStatus = "cancelled"
)

type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// User 聊天平台用户
type User struct {
	ID           int64     `gorm:"primaryKey"`
	ChatID       int64     `gorm:"uniqueIndex"` // 平台侧的用户 id
	Username     string    `gorm:"size:64"`
	Label        string    `gorm:"size:64;uniqueIndex"` // 节点钱包里的地址标签，不暴露用户名
	LastActivity time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WalletAddress (user, coin) -> 存款地址，一个用户每个币种一个
type WalletAddress struct {
	ID        int64  `gorm:"primaryKey"`
	UserID    int64  `gorm:"uniqueIndex:idx_addr_user_coin"`
	Coin      string `gorm:"size:16;uniqueIndex:idx_addr_user_coin;uniqueIndex:idx_addr_coin_address"`
	Address   string `gorm:"size:128;uniqueIndex:idx_addr_coin_address"`
	Label     string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance 账本余额，两个字段都不能为负
type Balance struct {
	ID          int64           `gorm:"primaryKey"`
	UserID      int64           `gorm:"uniqueIndex:idx_balance_user_coin"`
	Coin        string          `gorm:"size:16;uniqueIndex:idx_balance_user_coin"`
	Confirmed   decimal.Decimal `gorm:"type:decimal(36,18);default:0"`
	Unconfirmed decimal.Decimal `gorm:"type:decimal(36,18);default:0"`
	Version     int64           `gorm:"default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transaction 账本流水
// UserID 是这条流水的归属人：充值是收款人，提现是发起人，站内转账是收款人
type Transaction struct {
	ID          int64           `gorm:"primaryKey"`
	Txid        *string         `gorm:"size:128;uniqueIndex:idx_tx_txid_user_coin"`
	UserID      int64           `gorm:"uniqueIndex:idx_tx_txid_user_coin;index"`
	Coin        string          `gorm:"size:16;uniqueIndex:idx_tx_txid_user_coin"`
	FromUser    *int64          `gorm:"index"`
	ToUser      *int64          `gorm:"index"`
	Amount      decimal.Decimal `gorm:"type:decimal(36,18)"`
	Fee         decimal.Decimal `gorm:"type:decimal(36,18);default:0"`
	Kind        TxKind          `gorm:"size:32;index"`
	Status      TxStatus        `gorm:"size:16;index"`
	BlockHeight *int64
	CampaignID  *int64 `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SyncState 每个币种的区块扫描水位，只增不减
type SyncState struct {
	ID               int64  `gorm:"primaryKey"`
	Coin             string `gorm:"size:16;uniqueIndex"`
	LastSyncedHeight int64
	LastSyncedHash   string `gorm:"size:128"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Campaign 限时红包
type Campaign struct {
	ID          int64           `gorm:"primaryKey"`
	CreatorID   int64           `gorm:"index"`
	GroupID     int64           `gorm:"index"`
	Coin        string          `gorm:"size:16"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(36,18)"`
	DurationSec int64
	ExpiresAt   time.Time      `gorm:"index"`
	Status      CampaignStatus `gorm:"size:16;index"`
	Reason      string         `gorm:"size:255"`
	MessageRef  string         `gorm:"size:64"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

type Participant struct {
	ID         int64 `gorm:"primaryKey"`
	CampaignID int64 `gorm:"uniqueIndex:idx_participant_campaign_user"`
	UserID     int64 `gorm:"uniqueIndex:idx_participant_campaign_user"`
	JoinedAt   time.Time
}

// Models AutoMigrate 用
func Models() []any {
	return []any{
		&User{}, &WalletAddress{}, &Balance{}, &Transaction{},
		&SyncState{}, &Campaign{}, &Participant{},
	}
}
