package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"tipbot.com/internal/tipbot/domain"
)

func (r *Repo) GetSyncState(ctx context.Context, coin string) (*domain.SyncState, error) {
	var s domain.SyncState
	err := r.conn(ctx).Where("coin = ?", coin).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 第一次运行
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get sync state")
	}
	return &s, nil
}

// AdvanceSyncState 水位只能往前走：先条件更新，没有行再插入
func (r *Repo) AdvanceSyncState(ctx context.Context, coin string, height int64, hash string) error {
	db := r.conn(ctx)
	res := db.Model(&domain.SyncState{}).
		Where("coin = ? AND last_synced_height < ?", coin, height).
		Updates(map[string]any{
			"last_synced_height": height,
			"last_synced_hash":   hash,
		})
	if res.Error != nil {
		return dbErr(res.Error, "advance sync state")
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// 要么还没有记录，要么水位已经更高；后者插入冲突直接忽略
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "coin"}},
		DoNothing: true,
	}).Create(&domain.SyncState{Coin: coin, LastSyncedHeight: height, LastSyncedHash: hash}).Error
	if err != nil {
		return dbErr(err, "create sync state")
	}
	return nil
}
