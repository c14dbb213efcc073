package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/masterkey"
	"pii-encryption-service/internal/repository"
)

// memoryStore はテスト用のインメモリObjectStore。
type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (m *memoryStore) Put(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

func (m *memoryStore) Get(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, domain.ErrBackupNotFound
	}
	return data, nil
}

func (m *memoryStore) List(ctx context.Context) ([]*domain.BackupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.BackupInfo
	for name, data := range m.objects {
		out = append(out, &domain.BackupInfo{Name: name, Size: int64(len(data))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func TestBackupService_CreateAndRestore(t *testing.T) {
	ctx := context.Background()
	src := newTestEnv(t, KeyPolicy{})
	tokens, plaintexts := encryptPhones(t, src, 2)
	oldKeyID := activeDataKey(t, src)
	if _, err := src.rotation.Rotate(ctx, oldKeyID); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	store := newMemoryStore()
	svc := NewBackupService(src.keys, src.keyRepo, store)
	info, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(info.Name, "keys-") || !strings.HasSuffix(info.Name, ".json") {
		t.Errorf("unexpected backup name %q", info.Name)
	}
	// 旧データ鍵・新データ鍵・BACKUP鍵
	if info.KeyCount != 3 {
		t.Errorf("want 3 keys in backup, got %d", info.KeyCount)
	}

	raw, _ := store.Get(ctx, info.Name)
	if strings.Contains(string(raw), oldKeyID) {
		t.Error("key rows must be encrypted inside the backup")
	}

	// 同じマスター鍵を持つ空の鍵ストアに復元する
	dst := newTestEnv(t, KeyPolicy{})
	restorer := NewBackupService(dst.keys, dst.keyRepo, store)
	result, err := restorer.Restore(ctx, info.Name)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if result.Restored != 3 || result.Skipped != 0 {
		t.Errorf("want 3 restored, got %+v", result)
	}

	retired, _ := dst.keyRepo.FindByKeyID(ctx, oldKeyID)
	if retired == nil || retired.IsActive || retired.Writable {
		t.Errorf("retired key should be restored as retired, got %+v", retired)
	}

	// 復元した鍵でレコードを復号できる
	var records []repository.EncryptedDataModel
	src.db.Find(&records)
	for i := range records {
		if err := dst.db.Create(&records[i]).Error; err != nil {
			t.Fatalf("failed to copy record: %v", err)
		}
	}
	assertDecrypts(t, dst, tokens, plaintexts)

	again, err := restorer.Restore(ctx, info.Name)
	if err != nil {
		t.Fatalf("second Restore failed: %v", err)
	}
	if again.Restored != 0 || again.Skipped != 3 {
		t.Errorf("existing keys must be skipped, got %+v", again)
	}

	list, err := svc.List(ctx)
	if err != nil || len(list) != 1 || list[0].Name != info.Name {
		t.Errorf("List = (%v, %v)", list, err)
	}
}

func TestBackupService_RestoreWithDifferentMasterKey(t *testing.T) {
	ctx := context.Background()
	src := newTestEnv(t, KeyPolicy{})
	store := newMemoryStore()
	info, err := NewBackupService(src.keys, src.keyRepo, store).Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dst := newTestEnv(t, KeyPolicy{})
	otherMaster := masterkey.NewStaticSource([]byte(strings.Repeat("k", 32)))
	keys := NewKeyService(dst.keyRepo, otherMaster, dst.audit, KeyPolicy{})
	_, err = NewBackupService(keys, dst.keyRepo, store).Restore(ctx, info.Name)
	if !errors.Is(err, domain.ErrInvalidBackup) {
		t.Errorf("want ErrInvalidBackup, got %v", err)
	}
}

func TestBackupService_RestoreInvalid(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})
	store := newMemoryStore()
	svc := NewBackupService(env.keys, env.keyRepo, store)
	svc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	info, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if info.Name != "keys-20260102T030405Z.json" {
		t.Errorf("unexpected name %q", info.Name)
	}

	var env1 map[string]any
	raw, _ := store.Get(ctx, info.Name)
	if err := json.Unmarshal(raw, &env1); err != nil {
		t.Fatalf("backup is not JSON: %v", err)
	}
	env1["version"] = 99
	bad, _ := json.Marshal(env1)
	_ = store.Put(ctx, "bad-version.json", bad)
	_ = store.Put(ctx, "garbage.json", []byte("{"))

	for _, name := range []string{"bad-version.json", "garbage.json"} {
		if _, err := svc.Restore(ctx, name); !errors.Is(err, domain.ErrInvalidBackup) {
			t.Errorf("%s: want ErrInvalidBackup, got %v", name, err)
		}
	}
	if _, err := svc.Restore(ctx, "missing.json"); !errors.Is(err, domain.ErrBackupNotFound) {
		t.Errorf("want ErrBackupNotFound, got %v", err)
	}
}

func TestBackupService_NotConfigured(t *testing.T) {
	env := newTestEnv(t, KeyPolicy{})
	svc := NewBackupService(env.keys, env.keyRepo, nil)

	if _, err := svc.Create(context.Background()); !errors.Is(err, domain.ErrBackupNotConfigured) {
		t.Errorf("want ErrBackupNotConfigured, got %v", err)
	}
	if _, err := svc.Restore(context.Background(), "x"); !errors.Is(err, domain.ErrBackupNotConfigured) {
		t.Errorf("want ErrBackupNotConfigured, got %v", err)
	}
	if _, err := svc.List(context.Background()); !errors.Is(err, domain.ErrBackupNotConfigured) {
		t.Errorf("want ErrBackupNotConfigured, got %v", err)
	}
}

func TestStatisticsService_GetStatistics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})
	encryptPhones(t, env, 2)
	if _, err := env.codec.EncryptField(ctx, "guardians", "email", "g-1", "a@example.com", ""); err != nil {
		t.Fatalf("EncryptField failed: %v", err)
	}
	if _, err := env.rotation.Rotate(ctx, activeDataKey(t, env)); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	stats, err := NewStatisticsService(env.keyRepo, env.dataRepo).GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	want := domain.KeyStats{Total: 2, Active: 1, Expired: 0, Retired: 1}
	if stats.Keys != want {
		t.Errorf("Keys = %+v, want %+v", stats.Keys, want)
	}
	if stats.EncryptedRecords != 3 {
		t.Errorf("want 3 records, got %d", stats.EncryptedRecords)
	}
	if stats.RecordsByTable["students"] != 2 || stats.RecordsByTable["guardians"] != 1 {
		t.Errorf("unexpected per-table counts: %v", stats.RecordsByTable)
	}
}
