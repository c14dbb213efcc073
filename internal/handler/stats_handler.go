package handler

import (
	"context"
	"net/http"

	"pii-encryption-service/internal/domain"
	"pii-encryption-service/pkg/httputil"
)

// StatisticsProvider は集計のユースケース。
type StatisticsProvider interface {
	GetStatistics(ctx context.Context) (*domain.Statistics, error)
}

// StatsHandler は集計APIのハンドラ。
type StatsHandler struct {
	stats StatisticsProvider
}

// NewStatsHandler は新しいStatsHandlerを生成する。
func NewStatsHandler(stats StatisticsProvider) *StatsHandler {
	return &StatsHandler{stats: stats}
}

// StatsResponse は集計のレスポンス形式。
type StatsResponse struct {
	Keys struct {
		Total   int64 `json:"total"`
		Active  int64 `json:"active"`
		Expired int64 `json:"expired"`
		Retired int64 `json:"retired"`
	} `json:"keys"`
	EncryptedRecords int64            `json:"encrypted_records"`
	RecordsByTable   map[string]int64 `json:"records_by_table"`
}

// GetStats は鍵とレコードの集計を返す。
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.GetStatistics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var resp StatsResponse
	resp.Keys.Total = stats.Keys.Total
	resp.Keys.Active = stats.Keys.Active
	resp.Keys.Expired = stats.Keys.Expired
	resp.Keys.Retired = stats.Keys.Retired
	resp.EncryptedRecords = stats.EncryptedRecords
	resp.RecordsByTable = stats.RecordsByTable
	if resp.RecordsByTable == nil {
		resp.RecordsByTable = map[string]int64{}
	}
	httputil.JSON(w, http.StatusOK, resp)
}
