package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
	"tipbot.com/internal/tipbot/domain"
)

type Stats struct {
	Users        int64                   `json:"users"`
	Transactions map[domain.TxKind]int64 `json:"transactions_24h"`
	Campaigns    *domain.CampaignStats   `json:"campaigns"`
	At           time.Time               `json:"at"`
}

type StatsSource interface {
	CountUsers(ctx context.Context) (int64, error)
	CountTransactionsSince(ctx context.Context, since time.Time) (map[domain.TxKind]int64, error)
	CampaignStats(ctx context.Context, now time.Time) (*domain.CampaignStats, error)
}

// StatsService 管理后台的汇总，并发请求合并成一次查询
type StatsService struct {
	src StatsSource
	sf  singleflight.Group
	now func() time.Time
}

func NewStatsService(src StatsSource) *StatsService {
	return &StatsService{src: src, now: time.Now}
}

func (s *StatsService) Get(ctx context.Context) (*Stats, error) {
	v, err, _ := s.sf.Do("stats", func() (interface{}, error) {
		now := s.now()
		users, err := s.src.CountUsers(ctx)
		if err != nil {
			return nil, err
		}
		txs, err := s.src.CountTransactionsSince(ctx, now.Add(-24*time.Hour))
		if err != nil {
			return nil, err
		}
		camp, err := s.src.CampaignStats(ctx, now)
		if err != nil {
			return nil, err
		}
		return &Stats{Users: users, Transactions: txs, Campaigns: camp, At: now}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Stats), nil
}
