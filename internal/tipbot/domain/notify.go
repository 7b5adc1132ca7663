package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

type NotifyKind string

const (
	NotifyDepositPending   NotifyKind = "deposit-pending"
	NotifyDepositConfirmed NotifyKind = "deposit-confirmed"
	NotifyWithdrawalSent   NotifyKind = "withdrawal-sent"
	NotifyTipReceived      NotifyKind = "tip-received"
	NotifyCampaignResult   NotifyKind = "campaign-result"
)

// Payload 通知内容，按 kind 填需要的字段
type Payload struct {
	Coin         string          `json:"coin"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee,omitempty"`
	Txid         string          `json:"txid,omitempty"`
	FromUser     int64           `json:"from_user,omitempty"`
	CampaignID   int64           `json:"campaign_id,omitempty"`
	GroupID      int64           `json:"group_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Participants int             `json:"participants,omitempty"`
	Share        decimal.Decimal `json:"share,omitempty"`
}

// Notifier 尽力而为，失败只记日志，不影响账本
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind NotifyKind, payload Payload) error
}
