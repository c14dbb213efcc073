// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/middleware"
	"pii-encryption-service/pkg/httputil"
)

var keyIDRegex = regexp.MustCompile(`^[a-f0-9]{32}$`)

// KeyManager は鍵管理のユースケース。
type KeyManager interface {
	CreateKey(ctx context.Context, keyType domain.KeyType, alg domain.Algorithm, ttl time.Duration) (*domain.KeyMetadata, error)
	ListKeys(ctx context.Context, filter domain.KeyFilter) ([]*domain.KeyMetadata, error)
	GetKey(ctx context.Context, keyID string) (*domain.KeyMetadata, error)
}

// Rotator はローテーションのユースケース。
type Rotator interface {
	Rotate(ctx context.Context, keyID string) (*domain.Rotation, error)
	Resume(ctx context.Context, rotationID string) (*domain.Rotation, error)
	Get(ctx context.Context, rotationID string) (*domain.Rotation, error)
	RetireUnused(ctx context.Context, keyID string) error
}

// KeyHandler は鍵管理APIのハンドラ。
type KeyHandler struct {
	keys      KeyManager
	rotations Rotator
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(keys KeyManager, rotations Rotator) *KeyHandler {
	return &KeyHandler{keys: keys, rotations: rotations}
}

func validateKeyID(keyID string) error {
	if !keyIDRegex.MatchString(keyID) {
		return fmt.Errorf("%w: invalid key id format", domain.ErrInvalidArgument)
	}
	return nil
}

// CreateKeyRequest は鍵作成のリクエスト形式。
type CreateKeyRequest struct {
	KeyType   string `json:"key_type"`
	Algorithm string `json:"algorithm"`
	// TTL はGoのduration形式（例: "720h"）。省略時は鍵種別ごとの既定値。
	TTL string `json:"ttl,omitempty"`
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。
type KeyMetadataResponse struct {
	KeyID         string  `json:"key_id"`
	KeyType       string  `json:"key_type"`
	Algorithm     string  `json:"algorithm"`
	Writable      bool    `json:"writable"`
	IsActive      bool    `json:"is_active"`
	RotationCount int     `json:"rotation_count"`
	CreatedAt     string  `json:"created_at"`
	ExpiresAt     *string `json:"expires_at,omitempty"`
	RetiredAt     *string `json:"retired_at,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toKeyMetadataResponse(m *domain.KeyMetadata) KeyMetadataResponse {
	return KeyMetadataResponse{
		KeyID:         m.KeyID,
		KeyType:       string(m.KeyType),
		Algorithm:     string(m.Algorithm),
		Writable:      m.Writable,
		IsActive:      m.IsActive,
		RotationCount: m.RotationCount,
		CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     formatTime(m.ExpiresAt),
		RetiredAt:     formatTime(m.RetiredAt),
	}
}

func parseCreateKeyRequest(req CreateKeyRequest) (domain.KeyType, domain.Algorithm, time.Duration, error) {
	keyType, err := domain.ParseKeyType(req.KeyType)
	if err != nil {
		return "", "", 0, err
	}
	alg := domain.AlgorithmAES128GCM
	if req.Algorithm != "" {
		if alg, err = domain.ParseAlgorithm(req.Algorithm); err != nil {
			return "", "", 0, err
		}
	}
	var ttl time.Duration
	if req.TTL != "" {
		if ttl, err = time.ParseDuration(req.TTL); err != nil || ttl < 0 {
			return "", "", 0, fmt.Errorf("%w: invalid ttl %q", domain.ErrInvalidArgument, req.TTL)
		}
	}
	return keyType, alg, ttl, nil
}

// CreateKey は新しい鍵を作成し、その用途の書き込み用鍵にする。
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := httputil.Decode(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	keyType, alg, ttl, err := parseCreateKeyRequest(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	metadata, err := h.keys.CreateKey(r.Context(), keyType, alg, ttl)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CREATE_KEY", "", middleware.ResultFailed)
		writeError(w, r, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_KEY", metadata.KeyID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, toKeyMetadataResponse(metadata))
}

// ListKeys は鍵の一覧を取得する。key_type と active で絞り込める。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	var filter domain.KeyFilter
	if v := r.URL.Query().Get("key_type"); v != "" {
		keyType, err := domain.ParseKeyType(v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		filter.KeyType = keyType
	}
	filter.ActiveOnly = r.URL.Query().Get("active") == "true"

	keys, err := h.keys.ListKeys(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := KeyListResponse{Keys: make([]KeyMetadataResponse, 0, len(keys))}
	for _, k := range keys {
		resp.Keys = append(resp.Keys, toKeyMetadataResponse(k))
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetKey は鍵のメタデータを取得する。鍵素材は返さない。
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	metadata, err := h.keys.GetKey(r.Context(), keyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toKeyMetadataResponse(metadata))
}

// RetireKey は参照されていない鍵を退役させる。参照中の鍵はローテーションで退役させる。
func (h *KeyHandler) RetireKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	if err := h.rotations.RetireUnused(r.Context(), keyID); err != nil {
		middleware.WriteAuditLog(r.Context(), "RETIRE_KEY", keyID, middleware.ResultFailed)
		writeError(w, r, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "RETIRE_KEY", keyID, middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}

// RotateKey は鍵をローテーションし、全レコードを後継鍵で再暗号化する。
// 完了まで同期的に実行する。
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	rot, err := h.rotations.Rotate(r.Context(), keyID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", keyID, middleware.ResultFailed)
		writeRotationError(w, r, rot, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_KEY", keyID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toRotationResponse(rot))
}
