package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/xerr"
)

type UserService struct {
	users domain.UserRepo
	now   func() time.Time
}

func NewUserService(users domain.UserRepo) *UserService {
	return &UserService{users: users, now: time.Now}
}

// Touch 第一次互动时建用户，之后只刷新活跃时间
// label 用随机 uuid，节点钱包里看不到用户名
func (s *UserService) Touch(ctx context.Context, chatID int64, username string) (*domain.User, error) {
	if chatID == 0 {
		return nil, xerr.New(xerr.RequestParamsError, "chat id is required")
	}
	now := s.now()
	u, err := s.users.GetUserByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if u != nil {
		if err := s.users.TouchUser(ctx, u.ID, username, now); err != nil {
			return nil, err
		}
		u.LastActivity = now
		if username != "" {
			u.Username = username
		}
		return u, nil
	}

	u = &domain.User{
		ChatID:       chatID,
		Username:     username,
		Label:        "tip-" + uuid.NewString(),
		LastActivity: now,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	if u.ID == 0 {
		// 并发创建，被别人抢先了
		return s.users.GetUserByChatID(ctx, chatID)
	}
	logger.Info(ctx, "👤 new user", zap.Int64("user", u.ID), zap.Int64("chat_id", chatID))
	return u, nil
}

func (s *UserService) Get(ctx context.Context, id int64) (*domain.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, xerr.Newf(xerr.RecordNotFound, "user %d not found", id)
	}
	return u, nil
}
