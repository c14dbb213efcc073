// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseDriver     string
	DatabaseURL        string
	DBAutoMigrate      bool
	GoogleCloudProject string
	LogLevel           string

	// マスター鍵の供給元（いずれか一つ）
	MasterKey           string
	MasterKeyCiphertext string
	KMSKeyName          string
	AllowDevMasterKey   bool

	// 鍵ポリシー
	DataKeyTTL        time.Duration
	BackupKeyTTL      time.Duration
	MasterKeyTTL      time.Duration
	KeyDecryptGrace   time.Duration
	RSAKeySize        int
	RotationBatchSize int

	PIIPolicyFile     string
	AuditLogFile      string
	AuditLogMaxSizeMB int

	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64

	BackupS3Endpoint  string
	BackupS3AccessKey string
	BackupS3SecretKey string
	BackupS3Bucket    string
	BackupS3Region    string
	BackupS3Prefix    string
	BackupS3UseSSL    bool
}

var defaults = map[string]any{
	"PORT":                 "8080",
	"DB_DRIVER":            "mysql",
	"DB_AUTO_MIGRATE":      false,
	"LOG_LEVEL":            "INFO",
	"ALLOW_DEV_MASTER_KEY": false,
	"DATA_KEY_TTL":         "8760h",
	"BACKUP_KEY_TTL":       "8760h",
	"MASTER_KEY_TTL":       "0s",
	"KEY_DECRYPT_GRACE":    "0s",
	"RSA_KEY_SIZE":         2048,
	"ROTATION_BATCH_SIZE":  100,
	"AUDIT_LOG_MAX_SIZE":   100,
	"OTEL_ENABLED":         false,
	"OTEL_ENDPOINT":        "localhost:4317",
	"OTEL_INSECURE":        false,
	"OTEL_SERVICE_NAME":    "pii-encryption-service",
	"OTEL_SAMPLING_RATE":   1.0,
	"BACKUP_S3_PREFIX":     "key-backups",
	"BACKUP_S3_USE_SSL":    true,
}

// Load は環境変数（と任意の設定ファイル CONFIG_FILE）から設定を読み込む。
// 環境変数は設定ファイルより優先される。
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	return &Config{
		Port:                v.GetString("PORT"),
		DatabaseDriver:      strings.ToLower(v.GetString("DB_DRIVER")),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		DBAutoMigrate:       v.GetBool("DB_AUTO_MIGRATE"),
		GoogleCloudProject:  v.GetString("GOOGLE_CLOUD_PROJECT"),
		LogLevel:            strings.ToUpper(v.GetString("LOG_LEVEL")),
		MasterKey:           v.GetString("MASTER_ENCRYPTION_KEY"),
		MasterKeyCiphertext: v.GetString("MASTER_KEY_CIPHERTEXT"),
		KMSKeyName:          v.GetString("KMS_KEY_NAME"),
		AllowDevMasterKey:   v.GetBool("ALLOW_DEV_MASTER_KEY"),
		DataKeyTTL:          v.GetDuration("DATA_KEY_TTL"),
		BackupKeyTTL:        v.GetDuration("BACKUP_KEY_TTL"),
		MasterKeyTTL:        v.GetDuration("MASTER_KEY_TTL"),
		KeyDecryptGrace:     v.GetDuration("KEY_DECRYPT_GRACE"),
		RSAKeySize:          v.GetInt("RSA_KEY_SIZE"),
		RotationBatchSize:   v.GetInt("ROTATION_BATCH_SIZE"),
		PIIPolicyFile:       v.GetString("PII_POLICY_FILE"),
		AuditLogFile:        v.GetString("AUDIT_LOG_FILE"),
		AuditLogMaxSizeMB:   v.GetInt("AUDIT_LOG_MAX_SIZE"),
		OtelEnabled:         v.GetBool("OTEL_ENABLED"),
		OtelEndpoint:        v.GetString("OTEL_ENDPOINT"),
		OtelInsecure:        v.GetBool("OTEL_INSECURE"),
		OtelServiceName:     v.GetString("OTEL_SERVICE_NAME"),
		OtelSamplingRate:    v.GetFloat64("OTEL_SAMPLING_RATE"),
		BackupS3Endpoint:    v.GetString("BACKUP_S3_ENDPOINT"),
		BackupS3AccessKey:   v.GetString("BACKUP_S3_ACCESS_KEY"),
		BackupS3SecretKey:   v.GetString("BACKUP_S3_SECRET_KEY"),
		BackupS3Bucket:      v.GetString("BACKUP_S3_BUCKET"),
		BackupS3Region:      v.GetString("BACKUP_S3_REGION"),
		BackupS3Prefix:      v.GetString("BACKUP_S3_PREFIX"),
		BackupS3UseSSL:      v.GetBool("BACKUP_S3_USE_SSL"),
	}, nil
}

// Validate はサーバー起動に必要な設定をまとめて検証する。
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.DatabaseURL == "" {
		result = multierror.Append(result, errors.New("DATABASE_URL is not set"))
	}
	switch c.DatabaseDriver {
	case "mysql", "postgres", "sqlite":
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported DB_DRIVER %q", c.DatabaseDriver))
	}
	if c.MasterKey == "" && c.MasterKeyCiphertext == "" && !c.AllowDevMasterKey {
		result = multierror.Append(result, errors.New("one of MASTER_ENCRYPTION_KEY or MASTER_KEY_CIPHERTEXT is required"))
	}
	if c.MasterKeyCiphertext != "" && c.KMSKeyName == "" {
		result = multierror.Append(result, errors.New("KMS_KEY_NAME is required with MASTER_KEY_CIPHERTEXT"))
	}
	if c.RSAKeySize != 2048 && c.RSAKeySize != 4096 {
		result = multierror.Append(result, fmt.Errorf("RSA_KEY_SIZE must be 2048 or 4096, got %d", c.RSAKeySize))
	}
	if c.RotationBatchSize <= 0 {
		result = multierror.Append(result, errors.New("ROTATION_BATCH_SIZE must be positive"))
	}
	if c.DataKeyTTL < 0 || c.BackupKeyTTL < 0 || c.MasterKeyTTL < 0 || c.KeyDecryptGrace < 0 {
		result = multierror.Append(result, errors.New("key TTLs and KEY_DECRYPT_GRACE must not be negative"))
	}

	return result.ErrorOrNil()
}

// BackupEnabled はS3バックアップ先が設定されているかを返す。
func (c *Config) BackupEnabled() bool {
	return c.BackupS3Endpoint != "" && c.BackupS3Bucket != ""
}
