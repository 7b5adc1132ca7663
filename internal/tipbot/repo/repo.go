package repo

import (
	"context"

	"gorm.io/gorm"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/xerr"
)

type txKey struct{}

type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// 确保 Repo 实现了所有接口
var (
	_ domain.TxManager       = (*Repo)(nil)
	_ domain.UserRepo        = (*Repo)(nil)
	_ domain.AddressRepo     = (*Repo)(nil)
	_ domain.BalanceRepo     = (*Repo)(nil)
	_ domain.TransactionRepo = (*Repo)(nil)
	_ domain.SyncStateRepo   = (*Repo)(nil)
	_ domain.CampaignRepo    = (*Repo)(nil)
)

// Migrate 建表
func (r *Repo) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(domain.Models()...); err != nil {
		return xerr.Wrap(err, xerr.DbError, "auto migrate")
	}
	return nil
}

// Transaction 把 tx 注入 ctx，ctx 里已经有事务时走 savepoint
func (r *Repo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn 优先使用 ctx 里的事务
func (r *Repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// InTx 当前 ctx 是否在事务里
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok
}

func dbErr(err error, msg string) error {
	return xerr.Wrap(err, xerr.DbError, msg)
}
