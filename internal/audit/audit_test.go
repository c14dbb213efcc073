package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pii-encryption-service/config"
	"pii-encryption-service/internal/domain"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestFileLogger_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := newWriterLogger(nopCloser{&buf})

	require.NoError(t, l.Log(context.Background(), domain.AuditEvent{
		Type:   domain.AuditKeyCreated,
		KeyID:  "k1",
		Detail: map[string]any{"key_type": "data"},
	}))
	require.NoError(t, l.Log(context.Background(), domain.AuditEvent{
		Type:  domain.AuditKeyRotation,
		KeyID: "k1",
	}))

	sc := bufio.NewScanner(&buf)
	var events []domain.AuditEvent
	for sc.Scan() {
		var e domain.AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)
	require.Equal(t, domain.AuditKeyCreated, events[0].Type)
	require.Equal(t, "data", events[0].Detail["key_type"])
	require.False(t, events[1].Timestamp.IsZero())
}

func TestFileLogger_Lumberjack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewFileLogger(path, 1)

	require.NoError(t, l.Log(context.Background(), domain.AuditEvent{Type: domain.AuditDecryptionFailure}))
	require.NoError(t, l.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"type":"decryption_failure"`)
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, l.Log(context.Background(), domain.AuditEvent{
		Type:  domain.AuditDecryptionFailure,
		KeyID: "k9",
	}))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "WARN", rec["level"])
	require.Equal(t, "decryption_failure", rec["event_type"])
	require.Equal(t, "k9", rec["key_id"])
}

type failingLogger struct{ NoOpLogger }

func (failingLogger) Log(context.Context, domain.AuditEvent) error { return errors.New("disk full") }

func TestMultiLogger_FansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := NewMultiLogger(a, failingLogger{}, b)

	err := m.Log(context.Background(), domain.AuditEvent{Type: domain.AuditKeyCreated})
	require.ErrorContains(t, err, "disk full")
	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
	require.Equal(t, a.Events()[0].Timestamp, b.Events()[0].Timestamp)
}

func TestFromConfig(t *testing.T) {
	require.IsType(t, &SlogLogger{}, FromConfig(&config.Config{}))

	l := FromConfig(&config.Config{AuditLogFile: filepath.Join(t.TempDir(), "a.log"), AuditLogMaxSizeMB: 1})
	require.IsType(t, &MultiLogger{}, l)
	require.NoError(t, l.Close())
}

func TestRecorder_OfType(t *testing.T) {
	r := &Recorder{}
	Emit(context.Background(), r, domain.AuditEvent{Type: domain.AuditKeyCreated})
	Emit(context.Background(), r, domain.AuditEvent{Type: domain.AuditDecryptionFailure})
	Emit(context.Background(), nil, domain.AuditEvent{Type: domain.AuditDecryptionFailure})

	require.Len(t, r.OfType(domain.AuditDecryptionFailure), 1)
	require.Len(t, r.Events(), 2)
}
