package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"tipbot.com/internal/tipbot/domain"
)

func (r *Repo) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if err := r.conn(ctx).Create(c).Error; err != nil {
		return dbErr(err, "create campaign")
	}
	return nil
}

func (r *Repo) GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error) {
	var c domain.Campaign
	err := r.conn(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get campaign")
	}
	return &c, nil
}

func (r *Repo) AddParticipant(ctx context.Context, p *domain.Participant) (bool, error) {
	res := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(p)
	if res.Error != nil {
		return false, dbErr(res.Error, "add participant")
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) ListParticipants(ctx context.Context, campaignID int64) ([]domain.Participant, error) {
	list := make([]domain.Participant, 0)
	err := r.conn(ctx).Where("campaign_id = ?", campaignID).
		Order("joined_at, id").
		Find(&list).Error
	if err != nil {
		return nil, dbErr(err, "list participants")
	}
	return list, nil
}

func (r *Repo) ListExpiredActive(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	list := make([]domain.Campaign, 0)
	err := r.conn(ctx).Where("status = ? AND expires_at <= ?", domain.CampaignActive, now).
		Order("expires_at, id").
		Find(&list).Error
	if err != nil {
		return nil, dbErr(err, "list expired campaigns")
	}
	return list, nil
}

// FinishCampaign 终态不可变，只从 active 翻转
func (r *Repo) FinishCampaign(ctx context.Context, id int64, status domain.CampaignStatus, reason string, at time.Time) (bool, error) {
	res := r.conn(ctx).Model(&domain.Campaign{}).
		Where("id = ? AND status = ?", id, domain.CampaignActive).
		Updates(map[string]any{
			"status":       status,
			"reason":       reason,
			"completed_at": at,
		})
	if res.Error != nil {
		return false, dbErr(res.Error, "finish campaign")
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) CampaignStats(ctx context.Context, now time.Time) (*domain.CampaignStats, error) {
	db := r.conn(ctx)
	var s domain.CampaignStats

	if err := db.Model(&domain.Campaign{}).Where("status = ?", domain.CampaignActive).
		Count(&s.Active).Error; err != nil {
		return nil, dbErr(err, "count active campaigns")
	}
	if err := db.Model(&domain.Campaign{}).
		Where("status = ? AND completed_at >= ?", domain.CampaignCompleted, now.Add(-24*time.Hour)).
		Count(&s.CompletedLast24h).Error; err != nil {
		return nil, dbErr(err, "count completed campaigns")
	}
	if err := db.Model(&domain.Participant{}).
		Joins("JOIN campaigns ON campaigns.id = participants.campaign_id").
		Where("campaigns.status = ?", domain.CampaignActive).
		Count(&s.ActiveParticipants).Error; err != nil {
		return nil, dbErr(err, "count participants")
	}
	if err := db.Model(&domain.Campaign{}).
		Where("status = ? AND expires_at > ? AND expires_at <= ?", domain.CampaignActive, now, now.Add(time.Hour)).
		Count(&s.ExpiringWithinHour).Error; err != nil {
		return nil, dbErr(err, "count expiring campaigns")
	}
	return &s, nil
}
