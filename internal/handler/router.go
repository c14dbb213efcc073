package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pii-encryption-service/internal/metrics"
	"pii-encryption-service/internal/middleware"
)

// Handlers はルーターに登録するハンドラ一式。
type Handlers struct {
	Keys   *KeyHandler
	Fields *FieldHandler
	Stats  *StatsHandler
}

// NewRouter はルーターを生成する。
func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	// ルート定義
	r.Route("/v1/keys", func(r chi.Router) {
		r.Post("/", h.Keys.CreateKey)
		r.Get("/", h.Keys.ListKeys)
		r.Get("/{key_id}", h.Keys.GetKey)
		r.Delete("/{key_id}", h.Keys.RetireKey)
		r.Post("/{key_id}/rotate", h.Keys.RotateKey)
	})
	r.Route("/v1/rotations/{rotation_id}", func(r chi.Router) {
		r.Get("/", h.Keys.GetRotation)
		r.Post("/resume", h.Keys.ResumeRotation)
	})
	r.Route("/v1/fields", func(r chi.Router) {
		r.Post("/encrypt", h.Fields.Encrypt)
		r.Post("/decrypt", h.Fields.Decrypt)
	})
	r.Get("/v1/stats", h.Stats.GetStats)

	return otelhttp.NewHandler(r, "pii-encryption-service")
}
