// Package masterkey はマスター鍵の取得元を提供する。
// マスター鍵は保護メモリ上に保持し、ログやJSONに出力されることはない。
package masterkey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pii-encryption-service/config"
	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/engine"
)

const redacted = "[REDACTED]"

// Source はマスター鍵の取得元。
type Source interface {
	MasterKey(ctx context.Context) (*Secret, error)
}

// Secret は保護メモリ上のマスター鍵。
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret は b を保護メモリへ移してSecretを生成する。b はゼロクリアされる。
func NewSecret(b []byte) *Secret {
	return &Secret{enclave: memguard.NewEnclave(b)}
}

// Use は鍵を一時的に復元して fn に渡す。fn の終了後にバッファは破棄される。
// fn の外に鍵のスライスを持ち出してはならない。
func (s *Secret) Use(fn func(key []byte) error) error {
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening master key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Size は鍵のバイト長を返す。
func (s *Secret) Size() int {
	return s.enclave.Size()
}

func (s *Secret) String() string { return redacted }

// LogValue はslog出力時に鍵を伏せる。
func (s *Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON はJSON出力時に鍵を伏せる。
func (s *Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// EnvSource は環境変数 MASTER_ENCRYPTION_KEY の値をマスター鍵とする。
type EnvSource struct {
	value string

	once   sync.Once
	secret *Secret
	err    error
}

// NewEnvSource は EnvSource を生成する。
func NewEnvSource(value string) *EnvSource {
	return &EnvSource{value: value}
}

// MasterKey はbase64もしくは生の値を32バイト以上の鍵として返す。
func (s *EnvSource) MasterKey(_ context.Context) (*Secret, error) {
	s.once.Do(func() {
		key, err := decodeKey(s.value)
		if err != nil {
			s.err = err
			return
		}
		s.secret = NewSecret(key)
	})
	return s.secret, s.err
}

func decodeKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: MASTER_ENCRYPTION_KEY is empty", domain.ErrConfiguration)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(value); err == nil && len(b) >= engine.MasterKeyMinSize {
			return b, nil
		}
	}
	if len(value) >= engine.MasterKeyMinSize {
		return []byte(value), nil
	}
	return nil, fmt.Errorf("%w: master key must be at least %d bytes", domain.ErrConfiguration, engine.MasterKeyMinSize)
}

// Decrypter はクラウドKMSによる復号を表す。
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KMSSource はクラウドKMSで包まれたマスター鍵を復号して返す。
// 成功した結果はキャッシュし、失敗した場合は次の呼び出しで再試行する。
type KMSSource struct {
	kms        Decrypter
	ciphertext []byte
	maxRetries uint64

	mu     sync.Mutex
	secret *Secret
}

// NewKMSSource は base64 の暗号文から KMSSource を生成する。
func NewKMSSource(kms Decrypter, ciphertextB64 string) (*KMSSource, error) {
	ct, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextB64))
	if err != nil {
		return nil, fmt.Errorf("%w: MASTER_KEY_CIPHERTEXT is not base64: %v", domain.ErrConfiguration, err)
	}
	return &KMSSource{kms: kms, ciphertext: ct, maxRetries: 3}, nil
}

// MasterKey はKMSで復号したマスター鍵を返す。
func (s *KMSSource) MasterKey(ctx context.Context) (*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secret != nil {
		return s.secret, nil
	}

	var plaintext []byte
	op := func() error {
		pt, err := s.kms.Decrypt(ctx, s.ciphertext)
		if err != nil {
			if permanentKMSError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		plaintext = pt
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
	), s.maxRetries), ctx)
	notify := func(err error, d time.Duration) {
		slog.WarnContext(ctx, "master key decrypt failed, retrying", "error", err, "backoff", d)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if permanentKMSError(err) {
			return nil, fmt.Errorf("%w: decrypting master key via kms: %v", domain.ErrConfiguration, err)
		}
		return nil, fmt.Errorf("%w: decrypting master key via kms: %v", domain.ErrMasterKeyUnavailable, err)
	}
	if len(plaintext) < engine.MasterKeyMinSize {
		return nil, fmt.Errorf("%w: master key must be at least %d bytes", domain.ErrConfiguration, engine.MasterKeyMinSize)
	}
	s.secret = NewSecret(plaintext)
	return s.secret, nil
}

// permanentKMSError は再試行しても解決しない、鍵名や権限の設定不備によるエラーかを判定する。
func permanentKMSError(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
		return true
	}
	return false
}

// DevSource は開発用に一度だけランダムなマスター鍵を生成する。
// 鍵は永続化されないため、再起動すると既存の暗号データは復号できない。
type DevSource struct {
	out io.Writer

	once   sync.Once
	secret *Secret
	err    error
}

// NewDevSource は DevSource を生成する。生成した鍵は out に一度だけ出力される。
func NewDevSource(out io.Writer) *DevSource {
	return &DevSource{out: out}
}

// MasterKey は生成済みの開発用鍵を返す。
func (s *DevSource) MasterKey(ctx context.Context) (*Secret, error) {
	s.once.Do(func() {
		key := make([]byte, engine.MasterKeyMinSize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			s.err = fmt.Errorf("%w: generating dev master key: %v", domain.ErrConfiguration, err)
			return
		}
		slog.WarnContext(ctx, "using generated development master key; it is not persisted")
		if s.out != nil {
			fmt.Fprintf(s.out, "WARNING: generated development master key (set MASTER_ENCRYPTION_KEY to persist it):\n%s\n",
				base64.StdEncoding.EncodeToString(key))
		}
		s.secret = NewSecret(key)
	})
	return s.secret, s.err
}

// StaticSource は固定のマスター鍵を返す。テスト用。
type StaticSource struct {
	secret *Secret
}

// NewStaticSource は key のコピーから StaticSource を生成する。
func NewStaticSource(key []byte) *StaticSource {
	return &StaticSource{secret: NewSecret(append([]byte(nil), key...))}
}

// MasterKey は固定のマスター鍵を返す。
func (s *StaticSource) MasterKey(_ context.Context) (*Secret, error) {
	return s.secret, nil
}

// unconfigured は取得元が一つも設定されていない場合のSource。
type unconfigured struct{}

func (unconfigured) MasterKey(_ context.Context) (*Secret, error) {
	return nil, fmt.Errorf("%w: no master key source configured", domain.ErrConfiguration)
}

// FromConfig は設定に従ってSourceを選ぶ。
// 優先順位は MASTER_ENCRYPTION_KEY、MASTER_KEY_CIPHERTEXT、ALLOW_DEV_MASTER_KEY の順。
// kms は MASTER_KEY_CIPHERTEXT を使う場合のみ必要。
func FromConfig(cfg *config.Config, kms Decrypter, devOut io.Writer) (Source, error) {
	switch {
	case cfg.MasterKey != "":
		return NewEnvSource(cfg.MasterKey), nil
	case cfg.MasterKeyCiphertext != "":
		if kms == nil {
			return nil, fmt.Errorf("%w: kms client is required for MASTER_KEY_CIPHERTEXT", domain.ErrConfiguration)
		}
		return NewKMSSource(kms, cfg.MasterKeyCiphertext)
	case cfg.AllowDevMasterKey:
		return NewDevSource(devOut), nil
	}
	return unconfigured{}, nil
}
