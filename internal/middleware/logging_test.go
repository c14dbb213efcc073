package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pii-encryption-service/internal/metrics"
)

func TestRequestLogger_CountsRequests(t *testing.T) {
	counter := metrics.HTTPRequests.WithLabelValues(http.MethodGet, "418")
	before := testutil.ToFloat64(counter)

	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("want status 418, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("want counter +1, got %v", got)
	}
}

func TestRequestLogger_DefaultStatus(t *testing.T) {
	counter := metrics.HTTPRequests.WithLabelValues(http.MethodPost, "200")
	before := testutil.ToFloat64(counter)

	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/fields/decrypt", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("want counter +1 for implicit 200, got %v", got)
	}
}
