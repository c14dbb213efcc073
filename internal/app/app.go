// Package app は設定からサービス一式を組み立てる。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gorm.io/gorm"

	"pii-encryption-service/config"
	"pii-encryption-service/internal/audit"
	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/infra"
	"pii-encryption-service/internal/masterkey"
	"pii-encryption-service/internal/repository"
	"pii-encryption-service/internal/usecase"
)

// App は組み立て済みのサービス一式。
type App struct {
	DB         *gorm.DB
	KeyRepo    *repository.KeyRepository
	Keys       *usecase.KeyService
	Codec      *usecase.FieldCodec
	Rotations  *usecase.RotationService
	Statistics *usecase.StatisticsService
	Backups    *usecase.BackupService
	Master     masterkey.Source

	kms   *infra.KMSClient
	audit audit.Logger
}

// New は設定に従ってDB・KMS・マスター鍵・各サービスを初期化する。
// devOut には開発用マスター鍵を生成したときの警告を書き出す。
func New(ctx context.Context, cfg *config.Config, devOut io.Writer) (*App, error) {
	a := &App{}

	db, err := infra.NewDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	a.DB = db

	// MASTER_KEY_CIPHERTEXT を使う場合のみKMSに接続する
	var decrypter masterkey.Decrypter
	if cfg.KMSKeyName != "" {
		kms, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to init KMS client: %w", err)
		}
		a.kms = kms
		decrypter = kms
	}

	master, err := masterkey.FromConfig(cfg, decrypter, devOut)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Master = master

	policy, err := infra.LoadPIIPolicy(cfg.PIIPolicyFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	rsaAlg, err := domain.RSAAlgorithm(cfg.RSAKeySize)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.audit = audit.FromConfig(cfg)
	a.KeyRepo = repository.NewKeyRepository(db)
	dataRepo := repository.NewEncryptedDataRepository(db)

	a.Keys = usecase.NewKeyService(a.KeyRepo, master, a.audit, usecase.KeyPolicy{
		DataKeyTTL:   cfg.DataKeyTTL,
		BackupKeyTTL: cfg.BackupKeyTTL,
		MasterKeyTTL: cfg.MasterKeyTTL,
		DecryptGrace: cfg.KeyDecryptGrace,
	})
	a.Codec = usecase.NewFieldCodec(a.Keys, dataRepo, policy, a.audit, rsaAlg)
	a.Rotations = usecase.NewRotationService(a.Keys, dataRepo, repository.NewRotationRepository(db), a.audit, cfg.RotationBatchSize)
	a.Statistics = usecase.NewStatisticsService(a.KeyRepo, dataRepo)

	// バックアップ先が未設定の場合は store なしで作り、操作時に ErrBackupNotConfigured を返す
	var store usecase.ObjectStore
	if cfg.BackupEnabled() {
		s3, err := infra.NewS3Store(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to init backup store: %w", err)
		}
		store = s3
	}
	a.Backups = usecase.NewBackupService(a.Keys, a.KeyRepo, store)

	return a, nil
}

// CheckMasterKey はマスター鍵を取得できるかを確認する。
// 設定不備は error を返し、KMSの一時的な障害は警告ログのみにする。
func (a *App) CheckMasterKey(ctx context.Context) error {
	secret, err := a.Master.MasterKey(ctx)
	if err == nil {
		slog.InfoContext(ctx, "master key loaded", "size", secret.Size())
		return nil
	}
	if errors.Is(err, domain.ErrConfiguration) {
		return err
	}
	slog.WarnContext(ctx, "master key is not available yet", "error", err)
	return nil
}

// Close は保持している外部接続を閉じる。
func (a *App) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			slog.Error("failed to close audit logger", "error", err)
		}
	}
	if a.kms != nil {
		if err := a.kms.Close(); err != nil {
			slog.Error("failed to close KMS client", "error", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
