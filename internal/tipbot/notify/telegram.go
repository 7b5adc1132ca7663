package notify

import (
	"context"
	"fmt"
	"html"

	tele "gopkg.in/telebot.v3"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/xerr"
)

// Sender telebot.Bot 的子集，测试里替换
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram 私聊通知；红包结果另外发到群里
type Telegram struct {
	bot   Sender
	users domain.UserRepo
	group int64 // 红包没记群时的默认群
}

func NewTelegramBot(token string) (*tele.Bot, error) {
	// 只发消息，不拉更新
	return tele.NewBot(tele.Settings{Token: token, Offline: true})
}

func NewTelegram(bot Sender, users domain.UserRepo) *Telegram {
	return &Telegram{bot: bot, users: users}
}

func (t *Telegram) WithGroup(id int64) *Telegram {
	t.group = id
	return t
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, userID int64, kind domain.NotifyKind, p domain.Payload) error {
	text := Render(kind, p)
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}

	// userID 为 0 的红包汇总只发群
	if userID == 0 {
		group := p.GroupID
		if group == 0 {
			group = t.group
		}
		if group == 0 {
			return nil
		}
		_, err := t.bot.Send(tele.ChatID(group), text, opts)
		return wrapSend(err)
	}

	u, err := t.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return xerr.Newf(xerr.RecordNotFound, "user %d not found", userID)
	}
	_, err = t.bot.Send(tele.ChatID(u.ChatID), text, opts)
	return wrapSend(err)
}

func wrapSend(err error) error {
	if err == nil {
		return nil
	}
	return xerr.Wrap(err, xerr.TransportError, "telegram send")
}

// Render 消息正文
func Render(kind domain.NotifyKind, p domain.Payload) string {
	coin := html.EscapeString(p.Coin)
	switch kind {
	case domain.NotifyDepositPending:
		return fmt.Sprintf("⏳ Incoming deposit of <b>%s %s</b> detected, waiting for confirmations.\n<code>%s</code>",
			p.Amount.String(), coin, html.EscapeString(p.Txid))
	case domain.NotifyDepositConfirmed:
		return fmt.Sprintf("✅ Deposit of <b>%s %s</b> confirmed.\n<code>%s</code>",
			p.Amount.String(), coin, html.EscapeString(p.Txid))
	case domain.NotifyWithdrawalSent:
		return fmt.Sprintf("📤 Withdrawal of <b>%s %s</b> sent (fee %s).\n<code>%s</code>",
			p.Amount.String(), coin, p.Fee.String(), html.EscapeString(p.Txid))
	case domain.NotifyTipReceived:
		return fmt.Sprintf("🎁 You received <b>%s %s</b>.", p.Amount.String(), coin)
	case domain.NotifyCampaignResult:
		if p.Status != string(domain.CampaignCompleted) || p.Participants == 0 {
			return fmt.Sprintf("🎈 Giveaway #%d ended: %s (%s).", p.CampaignID,
				html.EscapeString(p.Status), html.EscapeString(p.Reason))
		}
		if !p.Share.IsZero() && p.Amount.Equal(p.Share) {
			return fmt.Sprintf("🎉 You won <b>%s %s</b> from giveaway #%d.", p.Share.String(), coin, p.CampaignID)
		}
		return fmt.Sprintf("🎉 Giveaway #%d finished: <b>%s %s</b> split between %d participants (%s each).",
			p.CampaignID, p.Amount.String(), coin, p.Participants, p.Share.String())
	}
	return fmt.Sprintf("%s: %s %s", kind, p.Amount.String(), coin)
}
