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

// KeyRotationModel はkey_rotationsテーブルのモデル。
type KeyRotationModel struct {
	ID            string     `gorm:"size:36;primaryKey"`
	OldKeyID      string     `gorm:"size:32;not null;index:idx_rotation_old_key"`
	NewKeyID      string     `gorm:"size:32;index:idx_rotation_new_key"`
	State         string     `gorm:"size:20;not null"`
	MigratedCount int        `gorm:"not null"`
	LastError     string     `gorm:"size:1024"`
	StartedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null;autoUpdateTime"`
	CompletedAt   *time.Time
}

// TableName はテーブル名を返す。
func (KeyRotationModel) TableName() string {
	return "key_rotations"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyRotationModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *KeyRotationModel) toDomain() *domain.Rotation {
	return &domain.Rotation{
		ID:            m.ID,
		OldKeyID:      m.OldKeyID,
		NewKeyID:      m.NewKeyID,
		State:         domain.RotationState(m.State),
		MigratedCount: m.MigratedCount,
		LastError:     m.LastError,
		StartedAt:     m.StartedAt,
		UpdatedAt:     m.UpdatedAt,
		CompletedAt:   m.CompletedAt,
	}
}

func newRotationModel(rot *domain.Rotation) *KeyRotationModel {
	lastErr := rot.LastError
	if len(lastErr) > 1024 {
		lastErr = lastErr[:1024]
	}
	return &KeyRotationModel{
		ID:            rot.ID,
		OldKeyID:      rot.OldKeyID,
		NewKeyID:      rot.NewKeyID,
		State:         string(rot.State),
		MigratedCount: rot.MigratedCount,
		LastError:     lastErr,
		StartedAt:     rot.StartedAt,
		CompletedAt:   rot.CompletedAt,
	}
}

// RotationRepository はローテーション状態のデータアクセスを提供する。
type RotationRepository struct {
	db *gorm.DB
}

// NewRotationRepository は新しいRotationRepositoryを生成する。
func NewRotationRepository(db *gorm.DB) *RotationRepository {
	return &RotationRepository{db: db}
}

// Create はローテーションを保存する。
func (r *RotationRepository) Create(ctx context.Context, rot *domain.Rotation) error {
	model := newRotationModel(rot)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create rotation",
			"operation", "create",
			"old_key_id", rot.OldKeyID,
			"error", err,
		)
		return err
	}
	rot.ID = model.ID
	rot.UpdatedAt = model.UpdatedAt
	return nil
}

// Save はローテーションの状態を更新する。
func (r *RotationRepository) Save(ctx context.Context, rot *domain.Rotation) error {
	model := newRotationModel(rot)
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to save rotation",
			"operation", "save",
			"rotation_id", rot.ID,
			"state", rot.State,
			"error", err,
		)
		return err
	}
	rot.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID はIDでローテーションを取得する。
func (r *RotationRepository) FindByID(ctx context.Context, id string) (*domain.Rotation, error) {
	var model KeyRotationModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find rotation",
			"operation", "find_by_id",
			"rotation_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindLatestUnfinished は指定された旧鍵の未完了ローテーションのうち最新のものを取得する。
func (r *RotationRepository) FindLatestUnfinished(ctx context.Context, oldKeyID string) (*domain.Rotation, error) {
	var model KeyRotationModel
	err := r.db.WithContext(ctx).
		Where("old_key_id = ? AND state <> ?", oldKeyID, string(domain.RotationDone)).
		Order("started_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find unfinished rotation",
			"operation", "find_latest_unfinished",
			"old_key_id", oldKeyID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindUnfinishedBySuccessor は指定された鍵を後継鍵とする未完了ローテーションを取得する。
func (r *RotationRepository) FindUnfinishedBySuccessor(ctx context.Context, newKeyID string) (*domain.Rotation, error) {
	var model KeyRotationModel
	err := r.db.WithContext(ctx).
		Where("new_key_id = ? AND state <> ?", newKeyID, string(domain.RotationDone)).
		Order("started_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find rotation by successor",
			"operation", "find_unfinished_by_successor",
			"new_key_id", newKeyID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}
