package repo

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/orm"
)

func (r *Repo) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	if err := r.conn(ctx).Create(t).Error; err != nil {
		return dbErr(err, "create transaction")
	}
	return nil
}

func (r *Repo) FindTransaction(ctx context.Context, txid string, userID int64, coin string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := r.conn(ctx).Where("txid = ? AND user_id = ? AND coin = ?", txid, userID, coin).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "find transaction")
	}
	return &t, nil
}

// MarkConfirmed 必须是 pending -> confirmed，防止重复处理
func (r *Repo) MarkConfirmed(ctx context.Context, id int64, height *int64) (bool, error) {
	updates := map[string]any{"status": domain.TxStatusConfirmed}
	if height != nil {
		updates["block_height"] = *height
	}
	res := r.conn(ctx).Model(&domain.Transaction{}).
		Where("id = ? AND status = ?", id, domain.TxStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, dbErr(res.Error, "confirm transaction")
	}
	// 0 行说明已经被别人确认过了
	return res.RowsAffected == 1, nil
}

func (r *Repo) ListPendingWithTxid(ctx context.Context, coin string) ([]domain.Transaction, error) {
	list := make([]domain.Transaction, 0)
	err := r.conn(ctx).
		Where("coin = ? AND status = ? AND txid IS NOT NULL", coin, domain.TxStatusPending).
		Order("id").
		Find(&list).Error
	if err != nil {
		return nil, dbErr(err, "list pending transactions")
	}
	return list, nil
}

// InternalNet 金额在 Go 里累加，避免 sqlite 用浮点求和
func (r *Repo) InternalNet(ctx context.Context, userID int64, coin string) (decimal.Decimal, error) {
	rows := make([]domain.Transaction, 0)
	err := r.conn(ctx).Select("amount", "from_user", "to_user").
		Where("coin = ? AND txid IS NULL AND status = ?", coin, domain.TxStatusConfirmed).
		Where("to_user = ? OR from_user = ?", userID, userID).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, dbErr(err, "sum internal transfers")
	}

	net := decimal.Zero
	for _, t := range rows {
		if t.ToUser != nil && *t.ToUser == userID {
			net = net.Add(t.Amount)
		}
		if t.FromUser != nil && *t.FromUser == userID {
			net = net.Sub(t.Amount)
		}
	}
	return net, nil
}

func (r *Repo) ListTransactions(ctx context.Context, userID int64, page, limit int) ([]domain.Transaction, int64, error) {
	query := func() *gorm.DB {
		return r.conn(ctx).Model(&domain.Transaction{}).
			Where("user_id = ? OR from_user = ?", userID, userID)
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, dbErr(err, "count transactions")
	}
	list := make([]domain.Transaction, 0)
	if err := query().Order("id DESC").Scopes(orm.Paginate(page, limit)).Find(&list).Error; err != nil {
		return nil, 0, dbErr(err, "list transactions")
	}
	return list, total, nil
}

func (r *Repo) CountTransactionsSince(ctx context.Context, since time.Time) (map[domain.TxKind]int64, error) {
	var rows []struct {
		Kind domain.TxKind
		N    int64
	}
	err := r.conn(ctx).Model(&domain.Transaction{}).
		Select("kind, COUNT(*) AS n").
		Where("created_at >= ?", since).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, dbErr(err, "count transactions by kind")
	}
	out := make(map[domain.TxKind]int64, len(rows))
	for _, row := range rows {
		out[row.Kind] = row.N
	}
	return out, nil
}
