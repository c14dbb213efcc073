package handler

import (
	"context"
	"fmt"
	"net/http"

	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/usecase"
	"pii-encryption-service/pkg/httputil"
)

// FieldCodec はフィールド暗号化のユースケース。
type FieldCodec interface {
	EncryptField(ctx context.Context, table, column, recordRef, plaintext string, method domain.EncryptionMethod) (string, error)
	DecryptField(ctx context.Context, value string) usecase.DecryptResult
}

// FieldHandler はフィールド暗号化APIのハンドラ。
type FieldHandler struct {
	codec FieldCodec
}

// NewFieldHandler は新しいFieldHandlerを生成する。
func NewFieldHandler(codec FieldCodec) *FieldHandler {
	return &FieldHandler{codec: codec}
}

// EncryptFieldRequest はフィールド暗号化のリクエスト形式。
type EncryptFieldRequest struct {
	Table    string `json:"table"`
	Column   string `json:"column"`
	RecordID string `json:"record_id"`
	Value    string `json:"value"`
	Method   string `json:"method,omitempty"`
}

// EncryptFieldResponse はフィールド暗号化のレスポンス形式。
// PII対象外の列では Value は入力値のまま返る。
type EncryptFieldResponse struct {
	Value     string `json:"value"`
	Encrypted bool   `json:"encrypted"`
}

// DecryptFieldRequest はフィールド復号のリクエスト形式。
type DecryptFieldRequest struct {
	Value string `json:"value"`
}

// DecryptFieldResponse はフィールド復号のレスポンス形式。
// 復号に失敗した場合も200で返し、Value にはトークンがそのまま入る。
type DecryptFieldResponse struct {
	Value   string `json:"value"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Encrypt はPIIフィールドの値を暗号化してトークンを返す。
func (h *FieldHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	var req EncryptFieldRequest
	if err := httputil.Decode(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.Table == "" || req.Column == "" {
		writeError(w, r, fmt.Errorf("%w: table and column are required", domain.ErrInvalidArgument))
		return
	}
	var method domain.EncryptionMethod
	if req.Method != "" {
		m, err := domain.ParseEncryptionMethod(req.Method)
		if err != nil {
			writeError(w, r, err)
			return
		}
		method = m
	}

	token, err := h.codec.EncryptField(r.Context(), req.Table, req.Column, req.RecordID, req.Value, method)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, EncryptFieldResponse{
		Value:     token,
		Encrypted: token != req.Value,
	})
}

// Decrypt はトークンを復号する。平文はそのまま返す。
func (h *FieldHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	var req DecryptFieldRequest
	if err := httputil.Decode(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	res := h.codec.DecryptField(r.Context(), req.Value)
	resp := DecryptFieldResponse{
		Value:   res.Value,
		Outcome: res.Outcome.String(),
	}
	if res.Err != nil {
		resp.Error = errorCode(res.Err)
	}
	httputil.JSON(w, http.StatusOK, resp)
}
