package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/middleware"
	"pii-encryption-service/pkg/httputil"
)

// RotationResponse はローテーション状態のレスポンス形式。
type RotationResponse struct {
	ID            string  `json:"id"`
	OldKeyID      string  `json:"old_key_id"`
	NewKeyID      string  `json:"new_key_id,omitempty"`
	State         string  `json:"state"`
	MigratedCount int     `json:"migrated_count"`
	LastError     string  `json:"last_error,omitempty"`
	StartedAt     string  `json:"started_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

func toRotationResponse(rot *domain.Rotation) RotationResponse {
	return RotationResponse{
		ID:            rot.ID,
		OldKeyID:      rot.OldKeyID,
		NewKeyID:      rot.NewKeyID,
		State:         string(rot.State),
		MigratedCount: rot.MigratedCount,
		LastError:     rot.LastError,
		StartedAt:     rot.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt:   formatTime(rot.CompletedAt),
	}
}

// rotationErrorResponse は中断したローテーションのレスポンス形式。
type rotationErrorResponse struct {
	httputil.ErrorResponse
	Rotation *RotationResponse `json:"rotation,omitempty"`
}

// writeRotationError は中断したローテーションの状態をエラーと一緒に返す。
// 永続化されていないローテーション（開始前の失敗）は通常のエラーとして返す。
func writeRotationError(w http.ResponseWriter, r *http.Request, rot *domain.Rotation, err error) {
	if rot == nil || rot.ID == "" || rot.State != domain.RotationAborted {
		writeError(w, r, err)
		return
	}
	resp := toRotationResponse(rot)
	httputil.JSON(w, http.StatusConflict, rotationErrorResponse{
		ErrorResponse: httputil.ErrorResponse{
			Code:    "ROTATION_ABORTED",
			Message: "rotation aborted, resume it with POST /v1/rotations/" + rot.ID + "/resume",
		},
		Rotation: &resp,
	})
}

func rotationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "rotation_id")
	if _, err := uuid.Parse(id); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ROTATION_ID", "invalid rotation ID format")
		return "", false
	}
	return id, true
}

// GetRotation はローテーションの状態を取得する。
func (h *KeyHandler) GetRotation(w http.ResponseWriter, r *http.Request) {
	id, ok := rotationID(w, r)
	if !ok {
		return
	}
	rot, err := h.rotations.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toRotationResponse(rot))
}

// ResumeRotation は中断したローテーションを再開する。
func (h *KeyHandler) ResumeRotation(w http.ResponseWriter, r *http.Request) {
	id, ok := rotationID(w, r)
	if !ok {
		return
	}
	rot, err := h.rotations.Resume(r.Context(), id)
	if err != nil {
		keyID := ""
		if rot != nil {
			keyID = rot.OldKeyID
		}
		middleware.WriteAuditLog(r.Context(), "RESUME_ROTATION", keyID, middleware.ResultFailed)
		writeRotationError(w, r, rot, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "RESUME_ROTATION", rot.OldKeyID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toRotationResponse(rot))
}
