package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "file::memory:")
	t.Setenv("MASTER_ENCRYPTION_KEY", "c2VjcmV0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("want port 8080, got %s", cfg.Port)
	}
	if cfg.DatabaseDriver != "mysql" {
		t.Errorf("want driver mysql, got %s", cfg.DatabaseDriver)
	}
	if cfg.DataKeyTTL != 365*24*time.Hour {
		t.Errorf("want data key ttl 8760h, got %s", cfg.DataKeyTTL)
	}
	if cfg.RSAKeySize != 2048 {
		t.Errorf("want rsa key size 2048, got %d", cfg.RSAKeySize)
	}
	if cfg.KeyDecryptGrace != 0 {
		t.Errorf("want zero decrypt grace, got %s", cfg.KeyDecryptGrace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLITE")
	t.Setenv("RSA_KEY_SIZE", "4096")
	t.Setenv("KEY_DECRYPT_GRACE", "720h")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("want driver sqlite, got %s", cfg.DatabaseDriver)
	}
	if cfg.RSAKeySize != 4096 {
		t.Errorf("want rsa key size 4096, got %d", cfg.RSAKeySize)
	}
	if cfg.KeyDecryptGrace != 720*time.Hour {
		t.Errorf("want grace 720h, got %s", cfg.KeyDecryptGrace)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("want log level DEBUG, got %s", cfg.LogLevel)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{
		DatabaseDriver:      "oracle",
		MasterKeyCiphertext: "Y2lwaGVy",
		RSAKeySize:          1024,
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}

	msg := err.Error()
	for _, want := range []string{
		"DATABASE_URL",
		"DB_DRIVER",
		"KMS_KEY_NAME",
		"RSA_KEY_SIZE",
		"ROTATION_BATCH_SIZE",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in validation error, got %s", want, msg)
		}
	}
}
