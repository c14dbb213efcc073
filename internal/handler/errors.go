package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"pii-encryption-service/internal/domain"
	"pii-encryption-service/pkg/httputil"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings は上から順に判定する。ErrKeyRetired は ErrKeyNotFound より先に置く。
var errorMappings = []errorMapping{
	{domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT", ""},
	{domain.ErrUnsupportedAlgorithm, http.StatusBadRequest, "UNSUPPORTED_ALGORITHM", ""},
	{domain.ErrUnsupportedMethod, http.StatusBadRequest, "UNSUPPORTED_METHOD", ""},
	{domain.ErrInvalidToken, http.StatusBadRequest, "INVALID_TOKEN", "invalid encrypted token"},
	{domain.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload too large for asymmetric encryption, use hybrid"},
	{domain.ErrKeyRetired, http.StatusNotFound, "KEY_RETIRED", "key is retired"},
	{domain.ErrKeyNotFound, http.StatusNotFound, "KEY_NOT_FOUND", "key not found"},
	{domain.ErrRecordNotFound, http.StatusNotFound, "RECORD_NOT_FOUND", "encrypted record not found"},
	{domain.ErrRotationNotFound, http.StatusNotFound, "ROTATION_NOT_FOUND", "rotation not found"},
	{domain.ErrKeyAlreadyRetired, http.StatusConflict, "KEY_ALREADY_RETIRED", "key is already retired"},
	{domain.ErrKeyInUse, http.StatusConflict, "KEY_IN_USE", "key is referenced by encrypted records, rotate it instead"},
	{domain.ErrRotationInProgress, http.StatusConflict, "ROTATION_IN_PROGRESS", "rotation already in progress for this key"},
	{domain.ErrKeyExpired, http.StatusUnprocessableEntity, "KEY_EXPIRED", "key expired"},
	{domain.ErrDecryption, http.StatusUnprocessableEntity, "DECRYPTION_FAILED", "decryption failed"},
	{domain.ErrKeyNotAvailable, http.StatusServiceUnavailable, "KEY_NOT_AVAILABLE", "encryption key not available"},
	{domain.ErrConfiguration, http.StatusServiceUnavailable, "CONFIGURATION_ERROR", "service is not configured"},
	{domain.ErrMasterKeyUnavailable, http.StatusServiceUnavailable, "MASTER_KEY_UNAVAILABLE", "master key is temporarily unavailable"},
}

// writeError はドメインエラーをHTTPステータスに変換して返す。
// 入力起因のエラーはメッセージをそのまま返し、それ以外は固定文言にする。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		message := m.message
		if message == "" {
			message = err.Error()
		}
		httputil.Error(w, m.status, m.code, message)
		return
	}

	slog.ErrorContext(r.Context(), "unhandled error",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

// errorCode はエラーに対応するコードを返す。
func errorCode(err error) string {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.code
		}
	}
	return "INTERNAL_ERROR"
}
