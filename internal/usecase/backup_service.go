package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/engine"
)

const (
	backupVersion = 1
	backupPrefix  = "keys-"
	backupLayout  = "20060102T150405Z"
)

// ObjectStore はバックアップの保存先。
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte) error
	// Get は存在しない場合 domain.ErrBackupNotFound を返す。
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context) ([]*domain.BackupInfo, error)
}

// BackupKeys はバックアップが使う鍵操作。
type BackupKeys interface {
	GetActiveKey(ctx context.Context, keyType domain.KeyType, alg domain.Algorithm) (*domain.KeyMaterial, error)
	FindKey(ctx context.Context, keyID string) (*domain.EncryptionKey, error)
	Unwrap(ctx context.Context, key *domain.EncryptionKey) (*domain.KeyMaterial, error)
}

// BackupKeyRepository はバックアップ対象の鍵の読み書き。
type BackupKeyRepository interface {
	List(ctx context.Context, filter domain.KeyFilter) ([]*domain.EncryptionKey, error)
	FindByKeyID(ctx context.Context, keyID string) (*domain.EncryptionKey, error)
	Insert(ctx context.Context, key *domain.EncryptionKey) error
}

// backupKeyRow はバックアップに含める鍵の行。鍵素材はラップされたまま保存する。
type backupKeyRow struct {
	KeyID           string     `json:"key_id"`
	KeyType         string     `json:"key_type"`
	Algorithm       string     `json:"algorithm"`
	WrappedMaterial []byte     `json:"wrapped_material"`
	PublicMaterial  []byte     `json:"public_material,omitempty"`
	IsActive        bool       `json:"is_active"`
	RotationCount   int        `json:"rotation_count"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RetiredAt       *time.Time `json:"retired_at,omitempty"`
}

func newBackupKeyRow(k *domain.EncryptionKey) backupKeyRow {
	return backupKeyRow{
		KeyID:           k.KeyID,
		KeyType:         string(k.KeyType),
		Algorithm:       string(k.Algorithm),
		WrappedMaterial: k.WrappedMaterial,
		PublicMaterial:  k.PublicMaterial,
		IsActive:        k.IsActive,
		RotationCount:   k.RotationCount,
		CreatedAt:       k.CreatedAt,
		ExpiresAt:       k.ExpiresAt,
		RetiredAt:       k.RetiredAt,
	}
}

func (r backupKeyRow) toDomain() (*domain.EncryptionKey, error) {
	keyType, err := domain.ParseKeyType(r.KeyType)
	if err != nil {
		return nil, err
	}
	alg, err := domain.ParseAlgorithm(r.Algorithm)
	if err != nil {
		return nil, err
	}
	if r.KeyID == "" || len(r.WrappedMaterial) == 0 {
		return nil, fmt.Errorf("%w: key row without id or material", domain.ErrInvalidBackup)
	}
	return &domain.EncryptionKey{
		KeyID:           r.KeyID,
		KeyType:         keyType,
		Algorithm:       alg,
		WrappedMaterial: r.WrappedMaterial,
		PublicMaterial:  r.PublicMaterial,
		IsActive:        r.IsActive,
		RotationCount:   r.RotationCount,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
		RetiredAt:       r.RetiredAt,
	}, nil
}

// backupEnvelope はバックアップファイルの形式。
// Payload は鍵行のJSONをBACKUP鍵で暗号化したもの。BACKUP鍵自体はマスター鍵でラップされて同梱される。
type backupEnvelope struct {
	Version   int          `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	KeyCount  int          `json:"key_count"`
	BackupKey backupKeyRow `json:"backup_key"`
	Payload   []byte       `json:"payload"`
}

// BackupService は鍵ストアの暗号化バックアップを作成・復元する。
type BackupService struct {
	keys  BackupKeys
	repo  BackupKeyRepository
	store ObjectStore
	now   func() time.Time
}

// NewBackupService は新しいBackupServiceを生成する。store が nil の場合、全操作が ErrBackupNotConfigured を返す。
func NewBackupService(keys BackupKeys, repo BackupKeyRepository, store ObjectStore) *BackupService {
	return &BackupService{
		keys:  keys,
		repo:  repo,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create は全ての鍵行をBACKUP鍵で暗号化して保存する。
func (s *BackupService) Create(ctx context.Context) (*domain.BackupInfo, error) {
	if s.store == nil {
		return nil, domain.ErrBackupNotConfigured
	}

	mat, err := s.keys.GetActiveKey(ctx, domain.KeyTypeBackup, domain.AlgorithmAES128GCM)
	if err != nil {
		return nil, err
	}
	backupKey, err := s.keys.FindKey(ctx, mat.KeyID)
	if err != nil {
		return nil, err
	}

	keys, err := s.repo.List(ctx, domain.KeyFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	rows := make([]backupKeyRow, len(keys))
	for i, k := range keys {
		rows[i] = newBackupKeyRow(k)
	}
	plain, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encoding key rows: %w", err)
	}
	payload, err := engine.EncryptSymmetric(mat.Secret, plain)
	if err != nil {
		return nil, err
	}

	now := s.now()
	data, err := json.Marshal(backupEnvelope{
		Version:   backupVersion,
		CreatedAt: now,
		KeyCount:  len(rows),
		BackupKey: newBackupKeyRow(backupKey),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding backup: %w", err)
	}

	name := backupPrefix + now.Format(backupLayout) + ".json"
	if err := s.store.Put(ctx, name, data); err != nil {
		slog.ErrorContext(ctx, "failed to upload key backup",
			"operation", "create_backup",
			"name", name,
			"error", err,
		)
		return nil, fmt.Errorf("uploading backup: %w", err)
	}

	slog.InfoContext(ctx, "key backup created",
		"operation", "create_backup",
		"name", name,
		"backup_key_id", mat.KeyID,
		"key_count", len(rows),
	)
	return &domain.BackupInfo{Name: name, Size: int64(len(data)), CreatedAt: now, KeyCount: len(rows)}, nil
}

// Restore はバックアップから存在しない鍵行だけを取り込む。既存の鍵は上書きしない。
// 復元した鍵は書き込み用スロットを持たず、復号にのみ使われる。
func (s *BackupService) Restore(ctx context.Context, name string) (*domain.RestoreResult, error) {
	if s.store == nil {
		return nil, domain.ErrBackupNotConfigured
	}

	data, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	rows, err := s.open(ctx, data)
	if err != nil {
		return nil, err
	}

	result := &domain.RestoreResult{}
	for _, row := range rows {
		existing, err := s.repo.FindByKeyID(ctx, row.KeyID)
		if err != nil {
			return result, fmt.Errorf("finding key: %w", err)
		}
		if existing != nil {
			result.Skipped++
			continue
		}
		key, err := row.toDomain()
		if err != nil {
			return result, err
		}
		if err := s.repo.Insert(ctx, key); err != nil {
			return result, fmt.Errorf("restoring key %s: %w", row.KeyID, err)
		}
		result.Restored++
	}

	slog.InfoContext(ctx, "key backup restored",
		"operation", "restore_backup",
		"name", name,
		"restored", result.Restored,
		"skipped", result.Skipped,
	)
	return result, nil
}

// open はバックアップを検証して鍵行を取り出す。
func (s *BackupService) open(ctx context.Context, data []byte) ([]backupKeyRow, error) {
	var env backupEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidBackup, err)
	}
	if env.Version != backupVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", domain.ErrInvalidBackup, env.Version)
	}

	backupKey, err := env.BackupKey.toDomain()
	if err != nil {
		return nil, err
	}
	mat, err := s.keys.Unwrap(ctx, backupKey)
	if err != nil {
		return nil, fmt.Errorf("%w: backup key cannot be unwrapped with the current master key: %v", domain.ErrInvalidBackup, err)
	}
	plain, err := engine.DecryptSymmetric(mat.Secret, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidBackup, err)
	}

	var rows []backupKeyRow
	if err := json.Unmarshal(plain, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidBackup, err)
	}
	if len(rows) != env.KeyCount {
		return nil, fmt.Errorf("%w: expected %d keys, got %d", domain.ErrInvalidBackup, env.KeyCount, len(rows))
	}
	return rows, nil
}

// List は保存済みのバックアップ一覧を返す。
func (s *BackupService) List(ctx context.Context) ([]*domain.BackupInfo, error) {
	if s.store == nil {
		return nil, domain.ErrBackupNotConfigured
	}
	return s.store.List(ctx)
}
