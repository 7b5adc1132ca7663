package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/xerr"
)

func (r *Repo) GetBalance(ctx context.Context, userID int64, coin string) (*domain.Balance, error) {
	return r.findBalance(r.conn(ctx), userID, coin)
}

func (r *Repo) LockBalance(ctx context.Context, userID int64, coin string) (*domain.Balance, error) {
	// sqlite 驱动会忽略 FOR UPDATE，靠外面的 key 锁 + version 兜底
	return r.findBalance(r.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, coin)
}

func (r *Repo) findBalance(db *gorm.DB, userID int64, coin string) (*domain.Balance, error) {
	var b domain.Balance
	err := db.Where("user_id = ? AND coin = ?", userID, coin).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get balance")
	}
	return &b, nil
}

// EnsureBalance 建一条零余额，已存在不动
func (r *Repo) EnsureBalance(ctx context.Context, userID int64, coin string) error {
	b := domain.Balance{UserID: userID, Coin: coin}
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "coin"}},
		DoNothing: true,
	}).Create(&b).Error
	if err != nil {
		return dbErr(err, "ensure balance")
	}
	return nil
}

// UpdateBalance 乐观锁写回，成功后 b.Version 自增
func (r *Repo) UpdateBalance(ctx context.Context, b *domain.Balance) error {
	if b.Confirmed.IsNegative() || b.Unconfirmed.IsNegative() {
		return xerr.New(xerr.ServerCommonError, "balance would become negative")
	}
	res := r.conn(ctx).Model(&domain.Balance{}).
		Where("id = ? AND version = ?", b.ID, b.Version). // 🔒 乐观锁
		Updates(map[string]any{
			"confirmed":   b.Confirmed,
			"unconfirmed": b.Unconfirmed,
			"version":     b.Version + 1,
		})
	if res.Error != nil {
		return dbErr(res.Error, "update balance")
	}
	if res.RowsAffected == 0 {
		return xerr.New(xerr.VersionConflict, "balance version changed")
	}
	b.Version++
	return nil
}

func (r *Repo) ListBalances(ctx context.Context, userID int64) ([]domain.Balance, error) {
	list := make([]domain.Balance, 0)
	if err := r.conn(ctx).Where("user_id = ?", userID).Order("coin").Find(&list).Error; err != nil {
		return nil, dbErr(err, "list balances")
	}
	return list, nil
}
