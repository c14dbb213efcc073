package usecase

import (
	"bytes"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pii-encryption-service/internal/audit"
	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/masterkey"
	"pii-encryption-service/internal/repository"
)

var (
	testMasterKey = bytes.Repeat([]byte{0x42}, 32)
	testDBSeq     atomic.Int64
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	// 同じテスト内で複数のDBを作れるよう連番を付ける
	dsn := fmt.Sprintf("file:usecase_%s_%d?mode=memory&cache=shared", name, testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// testEnv はSQLiteのリポジトリで組み立てたサービス一式。
type testEnv struct {
	db       *gorm.DB
	keyRepo  *repository.KeyRepository
	dataRepo *repository.EncryptedDataRepository
	rotRepo  *repository.RotationRepository
	audit    *audit.Recorder
	keys     *KeyService
	codec    *FieldCodec
	rotation *RotationService
}

func newTestEnv(t *testing.T, policy KeyPolicy) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	env := &testEnv{
		db:       db,
		keyRepo:  repository.NewKeyRepository(db),
		dataRepo: repository.NewEncryptedDataRepository(db),
		rotRepo:  repository.NewRotationRepository(db),
		audit:    &audit.Recorder{},
	}
	env.keys = NewKeyService(env.keyRepo, masterkey.NewStaticSource(testMasterKey), env.audit, policy)
	env.codec = NewFieldCodec(env.keys, env.dataRepo, domain.NewPIIPolicy(domain.DefaultPIIFields()), env.audit, domain.AlgorithmRSA2048)
	env.rotation = NewRotationService(env.keys, env.dataRepo, env.rotRepo, env.audit, 2)
	return env
}
