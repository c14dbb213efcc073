package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pii-encryption-service/internal/audit"
	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/engine"
	"pii-encryption-service/internal/metrics"
)

// RotationRepository はローテーション状態のデータアクセスのインターフェース。
type RotationRepository interface {
	Create(ctx context.Context, rot *domain.Rotation) error
	Save(ctx context.Context, rot *domain.Rotation) error
	FindByID(ctx context.Context, id string) (*domain.Rotation, error)
	FindLatestUnfinished(ctx context.Context, oldKeyID string) (*domain.Rotation, error)
	FindUnfinishedBySuccessor(ctx context.Context, newKeyID string) (*domain.Rotation, error)
}

// MigrationRecordRepository はローテーションで再暗号化するレコードのデータアクセスのインターフェース。
type MigrationRecordRepository interface {
	FindBatchByKeyID(ctx context.Context, keyID string, limit int) ([]*domain.EncryptedDataRecord, error)
	UpdateCiphertext(ctx context.Context, dataID, oldKeyID, newKeyID string, ciphertext []byte) (bool, error)
	CountByKeyID(ctx context.Context, keyID string) (int64, error)
}

// RotationKeys はローテーションが使う鍵ストアの操作。
type RotationKeys interface {
	FindKey(ctx context.Context, keyID string) (*domain.EncryptionKey, error)
	CreateSuccessor(ctx context.Context, old *domain.EncryptionKey) (*domain.EncryptionKey, error)
	ResolveKey(ctx context.Context, keyID string) (*domain.KeyMaterial, error)
	Unwrap(ctx context.Context, key *domain.EncryptionKey) (*domain.KeyMaterial, error)
	RetireKey(ctx context.Context, keyID string) error
}

// RotationService は鍵ローテーションのワークフローを提供する。
// 状態は遷移ごとに保存され、中断したローテーションはIDまたは旧鍵IDで再開できる。
type RotationService struct {
	keys      RotationKeys
	records   MigrationRecordRepository
	rotations RotationRepository
	audit     audit.Logger
	batchSize int
	now       func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

// NewRotationService は新しいRotationServiceを生成する。
func NewRotationService(keys RotationKeys, records MigrationRecordRepository, rotations RotationRepository, auditLogger audit.Logger, batchSize int) *RotationService {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RotationService{
		keys:      keys,
		records:   records,
		rotations: rotations,
		audit:     auditLogger,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		running:   make(map[string]struct{}),
	}
}

func (s *RotationService) lock(keyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[keyID]; ok {
		return false
	}
	s.running[keyID] = struct{}{}
	return true
}

func (s *RotationService) unlock(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, keyID)
}

// Rotate は指定された鍵をローテーションする。
// 同じ鍵の未完了ローテーションがあれば、その後継鍵を使って続きから実行する。
func (s *RotationService) Rotate(ctx context.Context, keyID string) (*domain.Rotation, error) {
	if !s.lock(keyID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRotationInProgress, keyID)
	}
	defer s.unlock(keyID)

	rot, err := s.rotations.FindLatestUnfinished(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding unfinished rotation: %w", err)
	}
	if rot == nil {
		// 存在しない鍵や退役済みの鍵ではローテーションの行を作らない
		old, err := s.keys.FindKey(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if !old.IsActive {
			return nil, fmt.Errorf("%w: %s", domain.ErrKeyAlreadyRetired, keyID)
		}
		rot = &domain.Rotation{
			OldKeyID:  keyID,
			State:     domain.RotationStarted,
			StartedAt: s.now(),
		}
		if err := s.rotations.Create(ctx, rot); err != nil {
			return nil, fmt.Errorf("creating rotation: %w", err)
		}
	} else {
		slog.InfoContext(ctx, "resuming unfinished rotation",
			"operation", "rotate",
			"rotation_id", rot.ID,
			"state", rot.State,
		)
	}
	return s.run(ctx, rot)
}

// Resume は中断したローテーションを再開する。完了済みの場合はそのまま返す。
func (s *RotationService) Resume(ctx context.Context, rotationID string) (*domain.Rotation, error) {
	rot, err := s.Get(ctx, rotationID)
	if err != nil {
		return nil, err
	}
	if rot.Finished() {
		return rot, nil
	}
	if !s.lock(rot.OldKeyID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRotationInProgress, rot.OldKeyID)
	}
	defer s.unlock(rot.OldKeyID)
	return s.run(ctx, rot)
}

// Get はローテーションの状態を返す。
func (s *RotationService) Get(ctx context.Context, rotationID string) (*domain.Rotation, error) {
	rot, err := s.rotations.FindByID(ctx, rotationID)
	if err != nil {
		return nil, fmt.Errorf("finding rotation: %w", err)
	}
	if rot == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRotationNotFound, rotationID)
	}
	return rot, nil
}

// RetireUnused はどのレコードからも参照されていない鍵を退役させる。
// 未完了ローテーションの後継鍵は、移行先として残すため退役させない。
func (s *RotationService) RetireUnused(ctx context.Context, keyID string) error {
	if !s.lock(keyID) {
		return fmt.Errorf("%w: %s", domain.ErrRotationInProgress, keyID)
	}
	defer s.unlock(keyID)

	rot, err := s.rotations.FindUnfinishedBySuccessor(ctx, keyID)
	if err != nil {
		return fmt.Errorf("finding unfinished rotation: %w", err)
	}
	if rot != nil {
		return fmt.Errorf("%w: successor of unfinished rotation %s", domain.ErrKeyInUse, rot.ID)
	}

	n, err := s.records.CountByKeyID(ctx, keyID)
	if err != nil {
		return fmt.Errorf("counting records: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %d records", domain.ErrKeyInUse, n)
	}
	return s.keys.RetireKey(ctx, keyID)
}

func (s *RotationService) run(ctx context.Context, rot *domain.Rotation) (*domain.Rotation, error) {
	ctx, span := tracer.Start(ctx, "RotationService.Run")
	defer span.End()
	span.SetAttributes(attribute.String("rotation.id", rot.ID), attribute.String("rotation.old_key_id", rot.OldKeyID))

	if err := s.advance(ctx, rot); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rotation aborted")
		s.abort(ctx, rot, err)
		return rot, err
	}
	return rot, nil
}

func (s *RotationService) transition(ctx context.Context, rot *domain.Rotation, state domain.RotationState) error {
	rot.State = state
	rot.LastError = ""
	if err := s.rotations.Save(ctx, rot); err != nil {
		return fmt.Errorf("saving rotation state %s: %w", state, err)
	}
	slog.InfoContext(ctx, "rotation state changed",
		"operation", "rotate",
		"rotation_id", rot.ID,
		"state", state,
		"old_key_id", rot.OldKeyID,
		"new_key_id", rot.NewKeyID,
	)
	return nil
}

func (s *RotationService) advance(ctx context.Context, rot *domain.Rotation) error {
	old, err := s.keys.FindKey(ctx, rot.OldKeyID)
	if err != nil {
		return err
	}

	successorID, err := s.successor(ctx, rot, old)
	if err != nil {
		return err
	}
	defer s.unlock(successorID)

	// 旧鍵が退役済みなら移行は前回の実行で完了している
	if old.IsActive {
		if err := s.transition(ctx, rot, domain.RotationMigrating); err != nil {
			return err
		}
		if err := s.drain(ctx, rot, old); err != nil {
			return err
		}
		if err := s.keys.RetireKey(ctx, rot.OldKeyID); err != nil && !errors.Is(err, domain.ErrKeyAlreadyRetired) {
			return err
		}
	}
	if err := s.transition(ctx, rot, domain.RotationOldKeyRetired); err != nil {
		return err
	}

	completed := s.now()
	rot.CompletedAt = &completed
	if err := s.transition(ctx, rot, domain.RotationDone); err != nil {
		return err
	}
	metrics.Rotations.WithLabelValues(string(domain.RotationDone)).Inc()
	audit.Emit(ctx, s.audit, domain.AuditEvent{
		Type:      domain.AuditKeyRotation,
		KeyID:     rot.OldKeyID,
		Timestamp: completed,
		Detail: map[string]any{
			"rotation_id":    rot.ID,
			"old_key_id":     rot.OldKeyID,
			"new_key_id":     rot.NewKeyID,
			"migrated_count": rot.MigratedCount,
		},
	})
	return nil
}

// successor はローテーションの後継鍵を用意し、完了まで退役できないようロックする。
// 記録済みの後継鍵が退役していて、どのレコードも参照していなければ作り直す。
func (s *RotationService) successor(ctx context.Context, rot *domain.Rotation, old *domain.EncryptionKey) (string, error) {
	if rot.NewKeyID != "" {
		if !s.lock(rot.NewKeyID) {
			return "", fmt.Errorf("%w: %s", domain.ErrRotationInProgress, rot.NewKeyID)
		}
		current, err := s.keys.FindKey(ctx, rot.NewKeyID)
		if err != nil {
			s.unlock(rot.NewKeyID)
			return "", err
		}
		if current.IsActive {
			return rot.NewKeyID, nil
		}
		s.unlock(rot.NewKeyID)

		n, err := s.records.CountByKeyID(ctx, rot.NewKeyID)
		if err != nil {
			return "", fmt.Errorf("counting records: %w", err)
		}
		if n > 0 {
			return "", fmt.Errorf("%w: successor %s still holds %d records", domain.ErrKeyRetired, rot.NewKeyID, n)
		}
		slog.WarnContext(ctx, "recorded successor key is retired, creating a new one",
			"operation", "rotate",
			"rotation_id", rot.ID,
			"retired_key_id", rot.NewKeyID,
		)
		rot.NewKeyID = ""
	}

	if !old.IsActive {
		return "", fmt.Errorf("%w: %s", domain.ErrKeyAlreadyRetired, old.KeyID)
	}
	if err := s.transition(ctx, rot, domain.RotationStarted); err != nil {
		return "", err
	}
	key, err := s.keys.CreateSuccessor(ctx, old)
	if err != nil {
		return "", err
	}
	rot.NewKeyID = key.KeyID
	if !s.lock(key.KeyID) {
		return "", fmt.Errorf("%w: %s", domain.ErrRotationInProgress, key.KeyID)
	}
	if err := s.transition(ctx, rot, domain.RotationKeyCreated); err != nil {
		s.unlock(key.KeyID)
		return "", err
	}
	return key.KeyID, nil
}

// drainAttempts は退役前に旧鍵の残りレコードを移行し直す回数。
const drainAttempts = 3

// drain は旧鍵を参照するレコードが無くなるまで移行する。
// 移行中に旧鍵の素材で暗号化された書き込みが後から届くことがあるため、退役前に件数を確認し直す。
func (s *RotationService) drain(ctx context.Context, rot *domain.Rotation, old *domain.EncryptionKey) error {
	for i := 0; i < drainAttempts; i++ {
		if err := s.migrate(ctx, rot, old); err != nil {
			return err
		}
		n, err := s.records.CountByKeyID(ctx, rot.OldKeyID)
		if err != nil {
			return fmt.Errorf("counting remaining records: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: records are still being written with key %s", domain.ErrKeyInUse, rot.OldKeyID)
}

// migrate は旧鍵のレコードをバッチごとに復号し、新鍵で再暗号化する。
// 暗号文と鍵IDは1文で更新するため、新鍵IDのまま旧鍵の暗号文が残ることはない。
// 旧鍵は復号猶予を過ぎていても移行できるよう、期限を確かめずに取り出す。
func (s *RotationService) migrate(ctx context.Context, rot *domain.Rotation, old *domain.EncryptionKey) error {
	oldMat, err := s.keys.Unwrap(ctx, old)
	if err != nil {
		return fmt.Errorf("resolving old key: %w", err)
	}
	newMat, err := s.keys.ResolveKey(ctx, rot.NewKeyID)
	if err != nil {
		return fmt.Errorf("resolving new key: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.records.FindBatchByKeyID(ctx, rot.OldKeyID, s.batchSize)
		if err != nil {
			return fmt.Errorf("loading records: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		migrated := 0
		for _, rec := range batch {
			pt, err := engine.Decrypt(rec.EncryptionMethod, oldMat, rec.Ciphertext)
			if err != nil {
				return fmt.Errorf("decrypting record %s: %w", rec.DataID, err)
			}
			ct, err := engine.Encrypt(rec.EncryptionMethod, newMat, pt)
			if err != nil {
				return fmt.Errorf("re-encrypting record %s: %w", rec.DataID, err)
			}
			updated, err := s.records.UpdateCiphertext(ctx, rec.DataID, rot.OldKeyID, rot.NewKeyID, ct)
			if err != nil {
				return fmt.Errorf("updating record %s: %w", rec.DataID, err)
			}
			if updated {
				migrated++
				rot.MigratedCount++
				metrics.RecordsMigrated.Inc()
			}
		}
		if migrated == 0 {
			return fmt.Errorf("no progress migrating records of key %s", rot.OldKeyID)
		}

		if err := s.rotations.Save(ctx, rot); err != nil {
			return fmt.Errorf("saving progress: %w", err)
		}
	}
}

// abort はローテーションを ABORTED にする。旧鍵は退役させない。
// 呼び出し元のコンテキストがキャンセルされていても状態を保存する。
func (s *RotationService) abort(ctx context.Context, rot *domain.Rotation, cause error) {
	actx := context.WithoutCancel(ctx)
	rot.State = domain.RotationAborted
	rot.LastError = cause.Error()
	if rot.ID != "" {
		if err := s.rotations.Save(actx, rot); err != nil {
			slog.ErrorContext(actx, "failed to save aborted rotation",
				"operation", "abort",
				"rotation_id", rot.ID,
				"error", err,
			)
		}
	}
	slog.ErrorContext(actx, "rotation aborted",
		"operation", "rotate",
		"rotation_id", rot.ID,
		"old_key_id", rot.OldKeyID,
		"new_key_id", rot.NewKeyID,
		"migrated_count", rot.MigratedCount,
		"error", cause,
	)
	metrics.Rotations.WithLabelValues(string(domain.RotationAborted)).Inc()
	audit.Emit(actx, s.audit, domain.AuditEvent{
		Type:      domain.AuditKeyRotation,
		KeyID:     rot.OldKeyID,
		Timestamp: s.now(),
		Detail: map[string]any{
			"rotation_id":    rot.ID,
			"state":          string(domain.RotationAborted),
			"old_key_id":     rot.OldKeyID,
			"new_key_id":     rot.NewKeyID,
			"migrated_count": rot.MigratedCount,
			"error":          cause.Error(),
		},
	})
}
