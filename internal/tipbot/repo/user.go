package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"tipbot.com/internal/tipbot/domain"
)

func (r *Repo) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := r.conn(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get user")
	}
	return &u, nil
}

func (r *Repo) GetUserByChatID(ctx context.Context, chatID int64) (*domain.User, error) {
	var u domain.User
	err := r.conn(ctx).Where("chat_id = ?", chatID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get user by chat id")
	}
	return &u, nil
}

// CreateUser chat_id 冲突时什么都不做，调用方再查一次
func (r *Repo) CreateUser(ctx context.Context, u *domain.User) error {
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoNothing: true,
	}).Create(u).Error
	if err != nil {
		return dbErr(err, "create user")
	}
	return nil
}

func (r *Repo) TouchUser(ctx context.Context, id int64, username string, at time.Time) error {
	updates := map[string]any{"last_activity": at}
	if username != "" {
		updates["username"] = username
	}
	if err := r.conn(ctx).Model(&domain.User{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return dbErr(err, "touch user")
	}
	return nil
}

func (r *Repo) ActiveUsers(ctx context.Context, coin string, since time.Time) ([]int64, error) {
	ids := make([]int64, 0)
	err := r.conn(ctx).Model(&domain.User{}).
		Joins("JOIN balances ON balances.user_id = users.id AND balances.coin = ?", coin).
		Where("users.last_activity >= ?", since).
		Order("users.id").
		Pluck("users.id", &ids).Error
	if err != nil {
		return nil, dbErr(err, "list active users")
	}
	return ids, nil
}

func (r *Repo) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := r.conn(ctx).Model(&domain.User{}).Count(&n).Error; err != nil {
		return 0, dbErr(err, "count users")
	}
	return n, nil
}
