package masterkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pii-encryption-service/config"
	"pii-encryption-service/internal/domain"
)

func keyBytes(t *testing.T, s *Secret) []byte {
	t.Helper()
	var out []byte
	require.NoError(t, s.Use(func(k []byte) error {
		out = append([]byte(nil), k...)
		return nil
	}))
	return out
}

func TestEnvSource_Base64(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, 32)
	src := NewEnvSource(base64.StdEncoding.EncodeToString(raw))

	s, err := src.MasterKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, raw, keyBytes(t, s))
	require.Equal(t, 32, s.Size())
}

func TestEnvSource_Raw(t *testing.T) {
	raw := strings.Repeat("k", 40)
	s, err := NewEnvSource(raw).MasterKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte(raw), keyBytes(t, s))
}

func TestEnvSource_TooShort(t *testing.T) {
	_, err := NewEnvSource("short").MasterKey(context.Background())
	require.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = NewEnvSource("").MasterKey(context.Background())
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestSecret_Redacted(t *testing.T) {
	s := NewStaticSource(bytes.Repeat([]byte("s"), 32)).secret

	require.Equal(t, "[REDACTED]", s.String())
	require.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))

	b, err := json.Marshal(map[string]any{"key": s})
	require.NoError(t, err)
	require.JSONEq(t, `{"key":"[REDACTED]"}`, string(b))

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("loaded", "master_key", s)
	require.Contains(t, buf.String(), "[REDACTED]")
	require.NotContains(t, buf.String(), "ssss")
}

type fakeKMS struct {
	plaintext []byte
	failures  int32
	err       error
	calls     atomic.Int32
}

func (f *fakeKMS) Decrypt(_ context.Context, _ []byte) ([]byte, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		if f.err != nil {
			return nil, f.err
		}
		return nil, errors.New("kms unavailable")
	}
	return append([]byte(nil), f.plaintext...), nil
}

func TestKMSSource_RetriesAndCaches(t *testing.T) {
	kms := &fakeKMS{plaintext: bytes.Repeat([]byte{1}, 32), failures: 1}
	src, err := NewKMSSource(kms, base64.StdEncoding.EncodeToString([]byte("wrapped")))
	require.NoError(t, err)

	s, err := src.MasterKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{1}, 32), keyBytes(t, s))
	require.EqualValues(t, 2, kms.calls.Load())

	_, err = src.MasterKey(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, kms.calls.Load(), "cached after first success")
}

func TestKMSSource_Failure(t *testing.T) {
	kms := &fakeKMS{failures: 100}
	src, err := NewKMSSource(kms, base64.StdEncoding.EncodeToString([]byte("wrapped")))
	require.NoError(t, err)
	src.maxRetries = 0

	_, err = src.MasterKey(context.Background())
	require.ErrorIs(t, err, domain.ErrMasterKeyUnavailable)
	require.NotErrorIs(t, err, domain.ErrConfiguration)

	_, err = NewKMSSource(kms, "%%%not-base64")
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestKMSSource_PermissionDenied(t *testing.T) {
	kms := &fakeKMS{failures: 100, err: fmt.Errorf("decrypting: %w", status.Error(codes.PermissionDenied, "denied"))}
	src, err := NewKMSSource(kms, base64.StdEncoding.EncodeToString([]byte("wrapped")))
	require.NoError(t, err)

	_, err = src.MasterKey(context.Background())
	require.ErrorIs(t, err, domain.ErrConfiguration)
	require.EqualValues(t, 1, kms.calls.Load(), "permanent errors are not retried")
}

func TestDevSource_GeneratesOnce(t *testing.T) {
	var out bytes.Buffer
	src := NewDevSource(&out)

	a, err := src.MasterKey(context.Background())
	require.NoError(t, err)
	b, err := src.MasterKey(context.Background())
	require.NoError(t, err)

	require.Same(t, a, b)
	require.Equal(t, 1, strings.Count(out.String(), "WARNING"))
	require.Contains(t, out.String(), base64.StdEncoding.EncodeToString(keyBytes(t, a)))
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()

	src, err := FromConfig(&config.Config{MasterKey: strings.Repeat("m", 32)}, nil, nil)
	require.NoError(t, err)
	require.IsType(t, &EnvSource{}, src)

	src, err = FromConfig(&config.Config{MasterKeyCiphertext: base64.StdEncoding.EncodeToString([]byte("x"))}, &fakeKMS{}, nil)
	require.NoError(t, err)
	require.IsType(t, &KMSSource{}, src)

	_, err = FromConfig(&config.Config{MasterKeyCiphertext: "eA=="}, nil, nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)

	src, err = FromConfig(&config.Config{AllowDevMasterKey: true}, nil, nil)
	require.NoError(t, err)
	require.IsType(t, &DevSource{}, src)

	src, err = FromConfig(&config.Config{}, nil, nil)
	require.NoError(t, err)
	_, err = src.MasterKey(ctx)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}
