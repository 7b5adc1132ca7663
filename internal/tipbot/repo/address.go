package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"tipbot.com/internal/tipbot/domain"
)

func (r *Repo) GetAddress(ctx context.Context, userID int64, coin string) (*domain.WalletAddress, error) {
	var a domain.WalletAddress
	err := r.conn(ctx).Where("user_id = ? AND coin = ?", userID, coin).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get address")
	}
	return &a, nil
}

// SaveAddress (user, coin) 已存在则覆盖地址（重新生成的场景）
func (r *Repo) SaveAddress(ctx context.Context, a *domain.WalletAddress) error {
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "coin"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "label", "updated_at"}),
	}).Create(a).Error
	if err != nil {
		return dbErr(err, "save address")
	}
	return nil
}

func (r *Repo) ListAddressesByUser(ctx context.Context, userID int64) ([]domain.WalletAddress, error) {
	list := make([]domain.WalletAddress, 0)
	if err := r.conn(ctx).Where("user_id = ?", userID).Order("coin").Find(&list).Error; err != nil {
		return nil, dbErr(err, "list user addresses")
	}
	return list, nil
}

func (r *Repo) ListAddressesByCoin(ctx context.Context, coin string) ([]domain.WalletAddress, error) {
	list := make([]domain.WalletAddress, 0)
	if err := r.conn(ctx).Where("coin = ?", coin).Order("id").Find(&list).Error; err != nil {
		return nil, dbErr(err, "list coin addresses")
	}
	return list, nil
}

func (r *Repo) FindOwners(ctx context.Context, coin string, addresses []string) (map[string]int64, error) {
	owners := make(map[string]int64)
	if len(addresses) == 0 {
		return owners, nil
	}
	list := make([]domain.WalletAddress, 0)
	err := r.conn(ctx).Select("address", "user_id").
		Where("coin = ? AND address IN ?", coin, addresses).
		Find(&list).Error
	if err != nil {
		return nil, dbErr(err, "find address owners")
	}
	for _, a := range list {
		owners[a.Address] = a.UserID
	}
	return owners, nil
}
