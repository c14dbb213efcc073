// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"pii-encryption-service/internal/audit"
	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/engine"
	"pii-encryption-service/internal/masterkey"
	"pii-encryption-service/internal/metrics"
)

const keyIDSize = 16

// KeyRepository は暗号鍵のデータアクセスのインターフェース。
type KeyRepository interface {
	CreateActive(ctx context.Context, key *domain.EncryptionKey, now time.Time) error
	ReplaceActive(ctx context.Context, key *domain.EncryptionKey) error
	Insert(ctx context.Context, key *domain.EncryptionKey) error
	FindByKeyID(ctx context.Context, keyID string) (*domain.EncryptionKey, error)
	FindActiveByPurpose(ctx context.Context, purpose string, now time.Time) (*domain.EncryptionKey, error)
	List(ctx context.Context, filter domain.KeyFilter) ([]*domain.EncryptionKey, error)
	Retire(ctx context.Context, keyID string, at time.Time) (bool, error)
	Stats(ctx context.Context, now time.Time) (domain.KeyStats, error)
}

// KeyPolicy は鍵種別ごとの有効期限と復号猶予期間。
// TTLが0の場合は期限なし。DecryptGrace が0の場合、期限切れの鍵も無期限に復号に使える。
type KeyPolicy struct {
	DataKeyTTL   time.Duration
	BackupKeyTTL time.Duration
	MasterKeyTTL time.Duration
	DecryptGrace time.Duration
}

func (p KeyPolicy) ttl(keyType domain.KeyType) time.Duration {
	switch keyType {
	case domain.KeyTypeData:
		return p.DataKeyTTL
	case domain.KeyTypeBackup:
		return p.BackupKeyTTL
	case domain.KeyTypeMaster:
		return p.MasterKeyTTL
	}
	return 0
}

// KeyService は鍵ストアのビジネスロジックを提供する。
type KeyService struct {
	repo   KeyRepository
	master masterkey.Source
	audit  audit.Logger
	policy KeyPolicy
	now    func() time.Time

	bootstrap singleflight.Group
	newRetry  func() backoff.BackOff
}

// NewKeyService は新しいKeyServiceを生成する。
func NewKeyService(repo KeyRepository, master masterkey.Source, auditLogger audit.Logger, policy KeyPolicy) *KeyService {
	return &KeyService{
		repo:   repo,
		master: master,
		audit:  auditLogger,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newRetry: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(10*time.Millisecond),
				backoff.WithMaxInterval(200*time.Millisecond),
				backoff.WithMaxElapsedTime(5*time.Second),
			)
		},
	}
}

// generateKeyID は128bitのランダムな鍵IDを生成する。
func generateKeyID() (string, error) {
	b := make([]byte, keyIDSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating key id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newKey は鍵素材を生成してマスター鍵でラップした鍵エンティティを組み立てる。
// 戻り値の KeyMaterial は平文の鍵素材を持つ。
func (s *KeyService) newKey(ctx context.Context, keyType domain.KeyType, alg domain.Algorithm, ttl time.Duration, rotationCount int) (*domain.EncryptionKey, *domain.KeyMaterial, error) {
	keyID, err := generateKeyID()
	if err != nil {
		return nil, nil, err
	}
	secret, public, err := engine.GenerateMaterial(alg)
	if err != nil {
		return nil, nil, err
	}

	master, err := s.master.MasterKey(ctx)
	if err != nil {
		return nil, nil, err
	}
	var wrapped []byte
	if err := master.Use(func(mk []byte) error {
		var werr error
		wrapped, werr = engine.WrapKey(mk, keyID, secret)
		return werr
	}); err != nil {
		return nil, nil, fmt.Errorf("wrapping key material: %w", err)
	}

	now := s.now()
	key := &domain.EncryptionKey{
		KeyID:           keyID,
		KeyType:         keyType,
		Algorithm:       alg,
		WrappedMaterial: wrapped,
		PublicMaterial:  public,
		IsActive:        true,
		RotationCount:   rotationCount,
		CreatedAt:       now,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		key.ExpiresAt = &expiresAt
	}
	mat := &domain.KeyMaterial{
		KeyID:     keyID,
		KeyType:   keyType,
		Algorithm: alg,
		Secret:    secret,
		Public:    public,
	}
	return key, mat, nil
}

func (s *KeyService) created(ctx context.Context, key *domain.EncryptionKey, reason string) {
	metrics.KeysCreated.WithLabelValues(string(key.KeyType), string(key.Algorithm)).Inc()
	audit.Emit(ctx, s.audit, domain.AuditEvent{
		Type:      domain.AuditKeyCreated,
		KeyID:     key.KeyID,
		Timestamp: key.CreatedAt,
		Detail: map[string]any{
			"key_type":       string(key.KeyType),
			"algorithm":      string(key.Algorithm),
			"rotation_count": key.RotationCount,
			"reason":         reason,
		},
	})
}

// CreateKey は新しい鍵を作成し、その用途の書き込み用鍵にする。
// ttl が0の場合は鍵種別ごとの既定値を使う。以前の書き込み用鍵は復号用として残る。
func (s *KeyService) CreateKey(ctx context.Context, keyType domain.KeyType, alg domain.Algorithm, ttl time.Duration) (*domain.KeyMetadata, error) {
	if ttl < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", domain.ErrInvalidArgument)
	}
	if ttl == 0 {
		ttl = s.policy.ttl(keyType)
	}
	key, _, err := s.newKey(ctx, keyType, alg, ttl, 0)
	if err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceActive(ctx, key); err != nil {
		return nil, fmt.Errorf("creating key: %w", err)
	}
	s.created(ctx, key, "explicit")
	return key.Metadata(), nil
}

// CreateSuccessor は旧鍵と同じ種別・アルゴリズムの後継鍵を作成し、書き込み用スロットを引き継ぐ。
func (s *KeyService) CreateSuccessor(ctx context.Context, old *domain.EncryptionKey) (*domain.EncryptionKey, error) {
	key, _, err := s.newKey(ctx, old.KeyType, old.Algorithm, s.policy.ttl(old.KeyType), old.RotationCount+1)
	if err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceActive(ctx, key); err != nil {
		return nil, fmt.Errorf("creating successor key: %w", err)
	}
	s.created(ctx, key, "rotation")
	return key, nil
}

// GetActiveKey は用途の書き込み用鍵の素材を返す。無ければ作成する。
// 同時に初回作成が走った場合、一意制約で勝った1件だけが作成され、他は勝者の鍵を取得し直す。
func (s *KeyService) GetActiveKey(ctx context.Context, keyType domain.KeyType, alg domain.Algorithm) (*domain.KeyMaterial, error) {
	purpose := domain.Purpose(keyType, alg)
	ch := s.bootstrap.DoChan(purpose, func() (any, error) {
		// 先頭の呼び出し元がキャンセルしても、待っている他の呼び出し元には結果を返す
		bctx := context.WithoutCancel(ctx)
		var mat *domain.KeyMaterial
		op := func() error {
			m, err := s.activeOrCreate(bctx, keyType, alg)
			if err != nil {
				if errors.Is(err, domain.ErrActiveKeyConflict) {
					return err
				}
				return backoff.Permanent(err)
			}
			mat = m
			return nil
		}
		if err := backoff.Retry(op, s.newRetry()); err != nil {
			return nil, err
		}
		return mat, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrKeyNotAvailable, purpose, ctx.Err())
	}
	if res.Err != nil {
		slog.ErrorContext(ctx, "failed to get active key",
			"operation", "get_active_key",
			"purpose", purpose,
			"error", res.Err,
		)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrKeyNotAvailable, purpose, res.Err)
	}
	return res.Val.(*domain.KeyMaterial), nil
}

func (s *KeyService) activeOrCreate(ctx context.Context, keyType domain.KeyType, alg domain.Algorithm) (*domain.KeyMaterial, error) {
	now := s.now()
	key, err := s.repo.FindActiveByPurpose(ctx, domain.Purpose(keyType, alg), now)
	if err != nil {
		return nil, fmt.Errorf("finding active key: %w", err)
	}
	if key != nil {
		return s.Unwrap(ctx, key)
	}

	key, mat, err := s.newKey(ctx, keyType, alg, s.policy.ttl(keyType), 0)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateActive(ctx, key, now); err != nil {
		return nil, err
	}
	s.created(ctx, key, "bootstrap")
	return mat, nil
}

// ResolveKey は書き込み用かどうかに関わらず、指定された鍵の素材を返す。
func (s *KeyService) ResolveKey(ctx context.Context, keyID string) (*domain.KeyMaterial, error) {
	key, err := s.repo.FindByKeyID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}
	if !key.IsActive {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyRetired, keyID)
	}
	if s.policy.DecryptGrace > 0 && key.ExpiresAt != nil && !s.now().Before(key.ExpiresAt.Add(s.policy.DecryptGrace)) {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyExpired, keyID)
	}
	return s.Unwrap(ctx, key)
}

// Unwrap はラップ済みの鍵素材をマスター鍵で取り出す。状態の検証はしない。
func (s *KeyService) Unwrap(ctx context.Context, key *domain.EncryptionKey) (*domain.KeyMaterial, error) {
	master, err := s.master.MasterKey(ctx)
	if err != nil {
		return nil, err
	}
	var secret []byte
	if err := master.Use(func(mk []byte) error {
		var uerr error
		secret, uerr = engine.UnwrapKey(mk, key.KeyID, key.WrappedMaterial)
		return uerr
	}); err != nil {
		slog.ErrorContext(ctx, "failed to unwrap key material",
			"operation", "unwrap",
			"key_id", key.KeyID,
			"error", err,
		)
		return nil, fmt.Errorf("unwrapping key %s: %w", key.KeyID, err)
	}
	return &domain.KeyMaterial{
		KeyID:     key.KeyID,
		KeyType:   key.KeyType,
		Algorithm: key.Algorithm,
		Secret:    secret,
		Public:    key.PublicMaterial,
	}, nil
}

// RetireKey は鍵を退役させる。鍵は削除されない。
// 参照中のレコードが無いことは呼び出し側が保証する。
func (s *KeyService) RetireKey(ctx context.Context, keyID string) error {
	retired, err := s.repo.Retire(ctx, keyID, s.now())
	if err != nil {
		return fmt.Errorf("retiring key: %w", err)
	}
	if retired {
		return nil
	}
	key, err := s.repo.FindByKeyID(ctx, keyID)
	if err != nil {
		return fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}
	return domain.ErrKeyAlreadyRetired
}

// FindKey は鍵エンティティ（ラップ済み素材を含む）を返す。
func (s *KeyService) FindKey(ctx context.Context, keyID string) (*domain.EncryptionKey, error) {
	key, err := s.repo.FindByKeyID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}
	return key, nil
}

// GetKey は鍵のメタデータを返す。
func (s *KeyService) GetKey(ctx context.Context, keyID string) (*domain.KeyMetadata, error) {
	key, err := s.FindKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return key.Metadata(), nil
}

// ListKeys は鍵のメタデータ一覧を返す。
func (s *KeyService) ListKeys(ctx context.Context, filter domain.KeyFilter) ([]*domain.KeyMetadata, error) {
	keys, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	out := make([]*domain.KeyMetadata, len(keys))
	for i, k := range keys {
		out[i] = k.Metadata()
	}
	return out, nil
}
