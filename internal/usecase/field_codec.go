package usecase

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pii-encryption-service/internal/audit"
	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/engine"
	"pii-encryption-service/internal/metrics"
)

// TokenPrefix は暗号化トークンの接頭辞。
const TokenPrefix = "enc:"

var tracer = otel.Tracer("pii-encryption-service/usecase")

// EncryptedDataRepository は暗号化レコードのデータアクセスのインターフェース。
type EncryptedDataRepository interface {
	Create(ctx context.Context, rec *domain.EncryptedDataRecord) error
	FindByDataID(ctx context.Context, dataID string) (*domain.EncryptedDataRecord, error)
	TouchAccessed(ctx context.Context, dataID string, at time.Time) error
}

// KeyProvider はフィールド暗号化が使う鍵の取得元。
type KeyProvider interface {
	GetActiveKey(ctx context.Context, keyType domain.KeyType, alg domain.Algorithm) (*domain.KeyMaterial, error)
	ResolveKey(ctx context.Context, keyID string) (*domain.KeyMaterial, error)
}

// DecryptOutcome は復号結果の種別。
type DecryptOutcome int

const (
	// OutcomePassthrough はトークンではない値をそのまま返したことを表す。
	OutcomePassthrough DecryptOutcome = iota
	// OutcomeDecrypted は復号に成功したことを表す。
	OutcomeDecrypted
	// OutcomeFailed は復号に失敗し、元のトークンを返したことを表す。
	OutcomeFailed
)

func (o DecryptOutcome) String() string {
	switch o {
	case OutcomePassthrough:
		return "passthrough"
	case OutcomeDecrypted:
		return "decrypted"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// DecryptResult はフィールド復号の結果。
// Outcome が OutcomeFailed の場合、Value は入力トークンそのもので Err に原因が入る。
type DecryptResult struct {
	Value   string
	Outcome DecryptOutcome
	Err     error
}

// FieldCodec はPII列の値と暗号化トークンを相互変換する。
type FieldCodec struct {
	keys    KeyProvider
	records EncryptedDataRepository
	policy  *domain.PIIPolicy
	audit   audit.Logger
	rsaAlg  domain.Algorithm
	now     func() time.Time
}

// NewFieldCodec は新しいFieldCodecを生成する。rsaAlg は非対称・ハイブリッド方式で使うRSA鍵のアルゴリズム。
func NewFieldCodec(keys KeyProvider, records EncryptedDataRepository, policy *domain.PIIPolicy, auditLogger audit.Logger, rsaAlg domain.Algorithm) *FieldCodec {
	return &FieldCodec{
		keys:    keys,
		records: records,
		policy:  policy,
		audit:   auditLogger,
		rsaAlg:  rsaAlg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// IsEncrypted は値が暗号化トークンの形式かどうかを返す。
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, TokenPrefix)
}

func (c *FieldCodec) algorithmFor(method domain.EncryptionMethod) (domain.Algorithm, error) {
	switch method {
	case domain.MethodSymmetric:
		return domain.AlgorithmAES128GCM, nil
	case domain.MethodAsymmetric, domain.MethodHybrid:
		return c.rsaAlg, nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedMethod, method)
}

// EncryptField はPII列の平文を暗号化してトークンを返す。
// ポリシーで暗号化対象になっていない列、空文字、既にトークンの値はそのまま返す。
// method が空の場合はポリシーの方式を使う。
func (c *FieldCodec) EncryptField(ctx context.Context, table, column, recordRef, plaintext string, method domain.EncryptionMethod) (string, error) {
	ctx, span := tracer.Start(ctx, "FieldCodec.EncryptField")
	defer span.End()
	span.SetAttributes(attribute.String("pii.table", table), attribute.String("pii.column", column))

	field, ok := c.policy.Lookup(table, column)
	if !ok || !field.EncryptionRequired || plaintext == "" || IsEncrypted(plaintext) {
		metrics.FieldOperations.WithLabelValues("encrypt", "passthrough").Inc()
		return plaintext, nil
	}
	if method == "" {
		method = field.Method
	}

	token, err := c.encrypt(ctx, table, column, recordRef, plaintext, method)
	if err != nil {
		metrics.FieldOperations.WithLabelValues("encrypt", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "encrypt failed")
		slog.ErrorContext(ctx, "failed to encrypt field",
			"operation", "encrypt_field",
			"table", table,
			"column", column,
			"method", string(method),
			"error", err,
		)
		return "", err
	}
	metrics.FieldOperations.WithLabelValues("encrypt", "encrypted").Inc()
	return token, nil
}

func (c *FieldCodec) encrypt(ctx context.Context, table, column, recordRef, plaintext string, method domain.EncryptionMethod) (string, error) {
	alg, err := c.algorithmFor(method)
	if err != nil {
		return "", err
	}
	mat, err := c.keys.GetActiveKey(ctx, domain.KeyTypeData, alg)
	if err != nil {
		return "", err
	}
	ct, err := engine.Encrypt(method, mat, []byte(plaintext))
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(ct)
	rec := &domain.EncryptedDataRecord{
		DataID:           ulid.Make().String(),
		TableName:        table,
		ColumnName:       column,
		RecordID:         recordRef,
		KeyID:            mat.KeyID,
		EncryptionMethod: method,
		Ciphertext:       ct,
		TokenDigest:      digest[:],
	}
	if err := c.records.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("saving encrypted record: %w", err)
	}
	return TokenPrefix + rec.DataID + ":" + base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptField はトークンを復号する。失敗しても panic やエラー返却はせず、
// 元のトークンと失敗理由を返し、decryption_failure の監査イベントを送る。
func (c *FieldCodec) DecryptField(ctx context.Context, value string) DecryptResult {
	if !IsEncrypted(value) {
		metrics.FieldOperations.WithLabelValues("decrypt", "passthrough").Inc()
		return DecryptResult{Value: value, Outcome: OutcomePassthrough}
	}

	ctx, span := tracer.Start(ctx, "FieldCodec.DecryptField")
	defer span.End()

	dataID, keyID, plaintext, err := c.decrypt(ctx, value)
	if err != nil {
		metrics.FieldOperations.WithLabelValues("decrypt", "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "decrypt failed")
		slog.WarnContext(ctx, "field decryption failed",
			"operation", "decrypt_field",
			"data_id", dataID,
			"key_id", keyID,
			"error", err,
		)
		audit.Emit(ctx, c.audit, domain.AuditEvent{
			Type:      domain.AuditDecryptionFailure,
			KeyID:     keyID,
			Timestamp: c.now(),
			Detail: map[string]any{
				"data_id": dataID,
				"reason":  failureReason(err),
			},
		})
		return DecryptResult{Value: value, Outcome: OutcomeFailed, Err: err}
	}

	metrics.FieldOperations.WithLabelValues("decrypt", "decrypted").Inc()
	return DecryptResult{Value: plaintext, Outcome: OutcomeDecrypted}
}

func (c *FieldCodec) decrypt(ctx context.Context, token string) (dataID, keyID, plaintext string, err error) {
	parts := strings.SplitN(strings.TrimPrefix(token, TokenPrefix), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", domain.ErrInvalidToken
	}
	dataID = parts[0]
	// 末尾文字の未使用ビットの改変も拒否するため厳密にデコードする
	tokenCT, err := base64.StdEncoding.Strict().DecodeString(parts[1])
	if err != nil {
		return dataID, "", "", fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}

	rec, err := c.records.FindByDataID(ctx, dataID)
	if err != nil {
		return dataID, "", "", fmt.Errorf("loading encrypted record: %w", err)
	}
	if rec == nil {
		return dataID, "", "", domain.ErrRecordNotFound
	}
	keyID = rec.KeyID

	// トークンの暗号文は発行時のもの。ローテーション後もダイジェストで改ざんを検出できる。
	digest := sha256.Sum256(tokenCT)
	if subtle.ConstantTimeCompare(digest[:], rec.TokenDigest) != 1 {
		return dataID, keyID, "", fmt.Errorf("%w: token does not match record", domain.ErrDecryption)
	}

	mat, err := c.keys.ResolveKey(ctx, rec.KeyID)
	if err != nil {
		return dataID, keyID, "", err
	}
	pt, err := engine.Decrypt(rec.EncryptionMethod, mat, rec.Ciphertext)
	if err != nil {
		return dataID, keyID, "", err
	}

	if err := c.records.TouchAccessed(ctx, dataID, c.now()); err != nil {
		slog.WarnContext(ctx, "failed to update last_accessed_at",
			"operation", "decrypt_field",
			"data_id", dataID,
			"error", err,
		)
	}
	return dataID, keyID, string(pt), nil
}

// DecryptFieldStrict は平文が必須の呼び出し元向けに、失敗をエラーとして返す。
func (c *FieldCodec) DecryptFieldStrict(ctx context.Context, value string) (string, error) {
	res := c.DecryptField(ctx, value)
	if res.Outcome == OutcomeFailed {
		return "", res.Err
	}
	return res.Value, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, domain.ErrRecordNotFound):
		return "record_not_found"
	case errors.Is(err, domain.ErrKeyRetired):
		return "key_retired"
	case errors.Is(err, domain.ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, domain.ErrKeyExpired):
		return "key_expired"
	case errors.Is(err, domain.ErrDecryption):
		return "decryption_error"
	}
	return "internal_error"
}
