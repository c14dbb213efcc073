package usecase

import (
	"context"
	"fmt"
	"time"

	"pii-encryption-service/internal/domain"
)

// KeyStatsRepository は鍵の集計を提供する。
type KeyStatsRepository interface {
	Stats(ctx context.Context, now time.Time) (domain.KeyStats, error)
}

// RecordStatsRepository は暗号化レコードの集計を提供する。
type RecordStatsRepository interface {
	CountByTable(ctx context.Context) (int64, map[string]int64, error)
}

// StatisticsService は暗号化の統計情報を提供する。
type StatisticsService struct {
	keys    KeyStatsRepository
	records RecordStatsRepository
	now     func() time.Time
}

// NewStatisticsService は新しいStatisticsServiceを生成する。
func NewStatisticsService(keys KeyStatsRepository, records RecordStatsRepository) *StatisticsService {
	return &StatisticsService{
		keys:    keys,
		records: records,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetStatistics は鍵の状態別件数と暗号化レコード件数を返す。
func (s *StatisticsService) GetStatistics(ctx context.Context) (*domain.Statistics, error) {
	keyStats, err := s.keys.Stats(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("aggregating key stats: %w", err)
	}
	total, byTable, err := s.records.CountByTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting encrypted records: %w", err)
	}
	return &domain.Statistics{
		Keys:             keyStats,
		EncryptedRecords: total,
		RecordsByTable:   byTable,
	}, nil
}
