package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pii-encryption-service/internal/domain"
)

// EncryptedDataModel はencrypted_dataテーブルのモデル。
type EncryptedDataModel struct {
	ID               string    `gorm:"size:36;primaryKey"`
	DataID           string    `gorm:"size:26;not null;uniqueIndex:uk_data_id"`
	SourceTable      string    `gorm:"column:table_name;size:64;not null;index:idx_table_column"`
	ColumnName       string    `gorm:"size:64;not null;index:idx_table_column"`
	RecordID         string    `gorm:"size:64"`
	KeyID            string    `gorm:"size:32;not null;index:idx_encrypted_key_id"`
	EncryptionMethod string    `gorm:"size:16;not null"`
	Ciphertext       []byte    `gorm:"not null"`
	TokenDigest      []byte    `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;autoCreateTime"`
	LastAccessedAt   *time.Time
	UpdatedAt        time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (EncryptedDataModel) TableName() string {
	return "encrypted_data"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (e *EncryptedDataModel) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

func (e *EncryptedDataModel) toDomain() *domain.EncryptedDataRecord {
	return &domain.EncryptedDataRecord{
		ID:               e.ID,
		DataID:           e.DataID,
		TableName:        e.SourceTable,
		ColumnName:       e.ColumnName,
		RecordID:         e.RecordID,
		KeyID:            e.KeyID,
		EncryptionMethod: domain.EncryptionMethod(e.EncryptionMethod),
		Ciphertext:       e.Ciphertext,
		TokenDigest:      e.TokenDigest,
		CreatedAt:        e.CreatedAt,
		LastAccessedAt:   e.LastAccessedAt,
	}
}

// EncryptedDataRepository は暗号化レコードのデータアクセスを提供する。
type EncryptedDataRepository struct {
	db *gorm.DB
}

// NewEncryptedDataRepository は新しいEncryptedDataRepositoryを生成する。
func NewEncryptedDataRepository(db *gorm.DB) *EncryptedDataRepository {
	return &EncryptedDataRepository{db: db}
}

// Create は暗号化レコードを保存する。
func (r *EncryptedDataRepository) Create(ctx context.Context, rec *domain.EncryptedDataRecord) error {
	model := &EncryptedDataModel{
		ID:               rec.ID,
		DataID:           rec.DataID,
		SourceTable:      rec.TableName,
		ColumnName:       rec.ColumnName,
		RecordID:         rec.RecordID,
		KeyID:            rec.KeyID,
		EncryptionMethod: string(rec.EncryptionMethod),
		Ciphertext:       rec.Ciphertext,
		TokenDigest:      rec.TokenDigest,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create encrypted record",
			"operation", "create",
			"data_id", rec.DataID,
			"table", rec.TableName,
			"column", rec.ColumnName,
			"error", err,
		)
		return err
	}
	rec.ID = model.ID
	rec.CreatedAt = model.CreatedAt
	return nil
}

// FindByDataID はデータIDで暗号化レコードを取得する。
func (r *EncryptedDataRepository) FindByDataID(ctx context.Context, dataID string) (*domain.EncryptedDataRecord, error) {
	var model EncryptedDataModel
	err := r.db.WithContext(ctx).
		Where("data_id = ?", dataID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find encrypted record",
			"operation", "find_by_data_id",
			"data_id", dataID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// TouchAccessed は最終アクセス日時を更新する。
func (r *EncryptedDataRepository) TouchAccessed(ctx context.Context, dataID string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&EncryptedDataModel{}).
		Where("data_id = ?", dataID).
		UpdateColumn("last_accessed_at", at).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update last_accessed_at",
			"operation", "touch_accessed",
			"data_id", dataID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindBatchByKeyID は指定された鍵で暗号化されているレコードをデータID順に最大 limit 件取得する。
func (r *EncryptedDataRepository) FindBatchByKeyID(ctx context.Context, keyID string, limit int) ([]*domain.EncryptedDataRecord, error) {
	var models []EncryptedDataModel
	err := r.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		Order("data_id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find records by key_id",
			"operation", "find_batch_by_key_id",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}

	recs := make([]*domain.EncryptedDataRecord, len(models))
	for i := range models {
		recs[i] = models[i].toDomain()
	}
	return recs, nil
}

// UpdateCiphertext は暗号文と鍵IDを1文で更新する。
// 鍵IDが oldKeyID のままの場合のみ更新し、更新されたかどうかを返す。
func (r *EncryptedDataRepository) UpdateCiphertext(ctx context.Context, dataID, oldKeyID, newKeyID string, ciphertext []byte) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&EncryptedDataModel{}).
		Where("data_id = ? AND key_id = ?", dataID, oldKeyID).
		Updates(map[string]any{
			"key_id":     newKeyID,
			"ciphertext": ciphertext,
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update ciphertext",
			"operation", "update_ciphertext",
			"data_id", dataID,
			"old_key_id", oldKeyID,
			"new_key_id", newKeyID,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CountByKeyID は指定された鍵を参照しているレコード件数を返す。
func (r *EncryptedDataRepository) CountByKeyID(ctx context.Context, keyID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&EncryptedDataModel{}).
		Where("key_id = ?", keyID).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count records by key_id",
			"operation", "count_by_key_id",
			"key_id", keyID,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

type tableCount struct {
	TableName string
	Count     int64
}

// CountByTable は暗号化レコードの総数とテーブル別件数を返す。
func (r *EncryptedDataRepository) CountByTable(ctx context.Context) (int64, map[string]int64, error) {
	var rows []tableCount
	err := r.db.WithContext(ctx).
		Model(&EncryptedDataModel{}).
		Select("table_name, COUNT(*) AS count").
		Group("table_name").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count records by table",
			"operation", "count_by_table",
			"error", err,
		)
		return 0, nil, err
	}

	var total int64
	byTable := make(map[string]int64, len(rows))
	for _, row := range rows {
		byTable[row.TableName] = row.Count
		total += row.Count
	}
	return total, byTable, nil
}
