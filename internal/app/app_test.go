package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"pii-encryption-service/config"
	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/masterkey"
)

func testConfig(name string) *config.Config {
	return &config.Config{
		DatabaseDriver:    "sqlite",
		DatabaseURL:       "file:app_" + name + "?mode=memory&cache=shared",
		DBAutoMigrate:     true,
		MasterKey:         base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x07}, 32)),
		RSAKeySize:        2048,
		RotationBatchSize: 10,
	}
}

func TestNew_EndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig("e2e"), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if err := a.CheckMasterKey(ctx); err != nil {
		t.Fatalf("CheckMasterKey failed: %v", err)
	}

	token, err := a.Codec.EncryptField(ctx, "students", "phone", "s-1", "01712345678", "")
	if err != nil {
		t.Fatalf("EncryptField failed: %v", err)
	}
	got, err := a.Codec.DecryptFieldStrict(ctx, token)
	if err != nil || got != "01712345678" {
		t.Fatalf("DecryptFieldStrict = (%q, %v)", got, err)
	}

	stats, err := a.Statistics.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.EncryptedRecords != 1 || stats.Keys.Active != 1 {
		t.Errorf("unexpected statistics: %+v", stats)
	}

	// バックアップ先が未設定
	if _, err := a.Backups.Create(ctx); !errors.Is(err, domain.ErrBackupNotConfigured) {
		t.Errorf("want ErrBackupNotConfigured, got %v", err)
	}
}

func TestNew_MasterKeyNotConfigured(t *testing.T) {
	cfg := testConfig("nomaster")
	cfg.MasterKey = ""

	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if err := a.CheckMasterKey(context.Background()); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("want ErrConfiguration, got %v", err)
	}
}

func TestNew_InvalidRSAKeySize(t *testing.T) {
	cfg := testConfig("rsa")
	cfg.RSAKeySize = 1024

	if _, err := New(context.Background(), cfg, nil); !errors.Is(err, domain.ErrUnsupportedAlgorithm) {
		t.Errorf("want ErrUnsupportedAlgorithm, got %v", err)
	}
}

// failingSource は常に同じエラーを返すマスター鍵の取得元。
type failingSource struct {
	err error
}

func (f failingSource) MasterKey(context.Context) (*masterkey.Secret, error) {
	return nil, f.err
}

func TestCheckMasterKey_TransientFailureOnlyWarns(t *testing.T) {
	a := &App{Master: failingSource{err: fmt.Errorf("%w: kms timeout", domain.ErrMasterKeyUnavailable)}}
	if err := a.CheckMasterKey(context.Background()); err != nil {
		t.Errorf("transient failure should not stop startup, got %v", err)
	}

	a.Master = failingSource{err: fmt.Errorf("%w: permission denied", domain.ErrConfiguration)}
	if err := a.CheckMasterKey(context.Background()); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("want ErrConfiguration, got %v", err)
	}
}
