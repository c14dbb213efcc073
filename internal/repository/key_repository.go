// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pii-encryption-service/internal/domain"
)

// EncryptionKeyModel はgorm用のモデル定義。
// ActiveSlot は書き込み用の鍵だけが用途キーを持ち、一意インデックスで用途ごとに1件に制限する。
type EncryptionKeyModel struct {
	ID              string  `gorm:"size:36;primaryKey"`
	KeyID           string  `gorm:"size:32;not null;uniqueIndex:uk_key_id"`
	KeyType         string  `gorm:"size:16;not null;index:idx_type_active"`
	Algorithm       string  `gorm:"size:16;not null"`
	Purpose         string  `gorm:"size:40;not null;index:idx_purpose"`
	ActiveSlot      *string `gorm:"size:40;uniqueIndex:uk_active_slot"`
	WrappedMaterial []byte  `gorm:"not null"`
	PublicMaterial  []byte
	IsActive        bool       `gorm:"not null;index:idx_type_active"`
	RotationCount   int        `gorm:"not null"`
	CreatedAt       time.Time  `gorm:"not null;autoCreateTime"`
	ExpiresAt       *time.Time `gorm:"index:idx_expires_at"`
	RetiredAt       *time.Time
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (EncryptionKeyModel) TableName() string {
	return "encryption_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (e *EncryptionKeyModel) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (e *EncryptionKeyModel) toDomain() *domain.EncryptionKey {
	return &domain.EncryptionKey{
		ID:              e.ID,
		KeyID:           e.KeyID,
		KeyType:         domain.KeyType(e.KeyType),
		Algorithm:       domain.Algorithm(e.Algorithm),
		WrappedMaterial: e.WrappedMaterial,
		PublicMaterial:  e.PublicMaterial,
		Writable:        e.ActiveSlot != nil,
		IsActive:        e.IsActive,
		RotationCount:   e.RotationCount,
		CreatedAt:       e.CreatedAt,
		ExpiresAt:       e.ExpiresAt,
		RetiredAt:       e.RetiredAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func newKeyModel(key *domain.EncryptionKey) *EncryptionKeyModel {
	m := &EncryptionKeyModel{
		ID:              key.ID,
		KeyID:           key.KeyID,
		KeyType:         string(key.KeyType),
		Algorithm:       string(key.Algorithm),
		Purpose:         key.Purpose(),
		WrappedMaterial: key.WrappedMaterial,
		PublicMaterial:  key.PublicMaterial,
		IsActive:        key.IsActive,
		RotationCount:   key.RotationCount,
		ExpiresAt:       key.ExpiresAt,
		RetiredAt:       key.RetiredAt,
	}
	if key.Writable {
		slot := key.Purpose()
		m.ActiveSlot = &slot
	}
	if !key.CreatedAt.IsZero() {
		m.CreatedAt = key.CreatedAt
	}
	return m
}

func applyKeyModel(key *domain.EncryptionKey, m *EncryptionKeyModel) {
	key.ID = m.ID
	key.CreatedAt = m.CreatedAt
	key.UpdatedAt = m.UpdatedAt
}

// isDuplicateKey は一意制約違反かどうかを判定する。
// ドライバによってはTranslateErrorで変換されないため、メッセージでも判定する。
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// KeyRepository はデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// CreateActive は書き込み用スロットが空いている場合に限り鍵を作成する。
// 期限切れの鍵がスロットを保持していれば先に解放する。
// 有効な鍵が既にスロットを保持している場合は ErrActiveKeyConflict を返す。
func (r *KeyRepository) CreateActive(ctx context.Context, key *domain.EncryptionKey, now time.Time) error {
	key.Writable = true
	key.IsActive = true
	model := newKeyModel(key)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&EncryptionKeyModel{}).
			Where("active_slot = ? AND expires_at IS NOT NULL AND expires_at <= ?", key.Purpose(), now).
			Update("active_slot", nil).Error; err != nil {
			return err
		}
		return tx.Create(model).Error
	})
	if err != nil {
		if isDuplicateKey(err) {
			return domain.ErrActiveKeyConflict
		}
		slog.ErrorContext(ctx, "failed to create active key",
			"operation", "create_active",
			"purpose", key.Purpose(),
			"error", err,
		)
		return err
	}
	applyKeyModel(key, model)
	return nil
}

// ReplaceActive は現在のスロット保持者からスロットを外し、新しい鍵を書き込み用として作成する。
// 以前の鍵は退役せず、復号には引き続き使える。
func (r *KeyRepository) ReplaceActive(ctx context.Context, key *domain.EncryptionKey) error {
	key.Writable = true
	key.IsActive = true
	model := newKeyModel(key)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&EncryptionKeyModel{}).
			Where("active_slot = ?", key.Purpose()).
			Update("active_slot", nil).Error; err != nil {
			return err
		}
		return tx.Create(model).Error
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to replace active key",
			"operation", "replace_active",
			"purpose", key.Purpose(),
			"error", err,
		)
		if isDuplicateKey(err) {
			return domain.ErrActiveKeyConflict
		}
		return err
	}
	applyKeyModel(key, model)
	return nil
}

// Insert はスロットを持たない鍵をそのまま保存する。バックアップからの復元で使う。
func (r *KeyRepository) Insert(ctx context.Context, key *domain.EncryptionKey) error {
	key.Writable = false
	model := newKeyModel(key)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to insert key",
			"operation", "insert",
			"key_id", key.KeyID,
			"error", err,
		)
		return err
	}
	applyKeyModel(key, model)
	return nil
}

// FindByKeyID は指定された鍵IDの鍵を取得する。
func (r *KeyRepository) FindByKeyID(ctx context.Context, keyID string) (*domain.EncryptionKey, error) {
	var model EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find_by_key_id",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindActiveByPurpose は用途の書き込み用スロットを持つ、期限内の鍵を取得する。
func (r *KeyRepository) FindActiveByPurpose(ctx context.Context, purpose string, now time.Time) (*domain.EncryptionKey, error) {
	var model EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("active_slot = ? AND is_active = ?", purpose, true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active key",
			"operation", "find_active_by_purpose",
			"purpose", purpose,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// List は条件に一致する鍵を作成順に取得する。
func (r *KeyRepository) List(ctx context.Context, filter domain.KeyFilter) ([]*domain.EncryptionKey, error) {
	var models []EncryptionKeyModel
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if filter.KeyType != "" {
		q = q.Where("key_type = ?", string(filter.KeyType))
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list keys",
			"operation", "list",
			"key_type", filter.KeyType,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.EncryptionKey, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}

// Retire は鍵を退役させる。既に退役済みまたは存在しない場合は false を返す。
func (r *KeyRepository) Retire(ctx context.Context, keyID string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Where("key_id = ? AND is_active = ?", keyID, true).
		Updates(map[string]any{
			"is_active":   false,
			"active_slot": nil,
			"retired_at":  at,
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to retire key",
			"operation", "retire",
			"key_id", keyID,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Stats は鍵の状態別件数を集計する。
func (r *KeyRepository) Stats(ctx context.Context, now time.Time) (domain.KeyStats, error) {
	var stats domain.KeyStats
	count := func(dest *int64, query string, args ...any) error {
		q := r.db.WithContext(ctx).Model(&EncryptionKeyModel{})
		if query != "" {
			q = q.Where(query, args...)
		}
		return q.Count(dest).Error
	}
	err := errors.Join(
		count(&stats.Total, ""),
		count(&stats.Retired, "is_active = ?", false),
		count(&stats.Expired, "is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, now),
	)
	if err != nil {
		slog.ErrorContext(ctx, "failed to aggregate key stats",
			"operation", "stats",
			"error", err,
		)
		return domain.KeyStats{}, err
	}
	stats.Active = stats.Total - stats.Retired - stats.Expired
	return stats, nil
}
