package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("want 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("want application/json, got %s", ct)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if resp.Code != "KEY_NOT_FOUND" || resp.Message != "key not found" {
		t.Errorf("unexpected body: %+v", resp)
	}
}

func TestDecode(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: `{"name":"students"}`},
		{name: "unknown field", input: `{"name":"a","extra":1}`, wantErr: true},
		{name: "malformed", input: `{"name":`, wantErr: true},
		{name: "trailing value", input: `{"name":"a"}{"name":"b"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.input))
			var b body
			err := Decode(httptest.NewRecorder(), req, &b)
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
