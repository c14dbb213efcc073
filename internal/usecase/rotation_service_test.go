package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pii-encryption-service/internal/domain"
	"pii-encryption-service/internal/repository"
)

// flakyRecords は指定回数以降の UpdateCiphertext を失敗させる。
type flakyRecords struct {
	*repository.EncryptedDataRepository
	failAfter int
	calls     int
}

func (f *flakyRecords) UpdateCiphertext(ctx context.Context, dataID, oldKeyID, newKeyID string, ciphertext []byte) (bool, error) {
	f.calls++
	if f.failAfter >= 0 && f.calls > f.failAfter {
		return false, errors.New("write timeout")
	}
	return f.EncryptedDataRepository.UpdateCiphertext(ctx, dataID, oldKeyID, newKeyID, ciphertext)
}

// encryptPhones はテスト用に生徒の電話番号を n 件暗号化する。
func encryptPhones(t *testing.T, env *testEnv, n int) (tokens []string, plaintexts []string) {
	t.Helper()
	for i := 0; i < n; i++ {
		pt := fmt.Sprintf("0171234%04d", i)
		token, err := env.codec.EncryptField(context.Background(), "students", "phone", fmt.Sprintf("s-%d", i), pt, "")
		if err != nil {
			t.Fatalf("EncryptField failed: %v", err)
		}
		tokens = append(tokens, token)
		plaintexts = append(plaintexts, pt)
	}
	return tokens, plaintexts
}

func assertDecrypts(t *testing.T, env *testEnv, tokens, plaintexts []string) {
	t.Helper()
	for i, token := range tokens {
		got, err := env.codec.DecryptFieldStrict(context.Background(), token)
		if err != nil {
			t.Fatalf("token %d no longer decrypts: %v", i, err)
		}
		if got != plaintexts[i] {
			t.Errorf("token %d: want %q, got %q", i, plaintexts[i], got)
		}
	}
}

func activeDataKey(t *testing.T, env *testEnv) string {
	t.Helper()
	mat, err := env.keys.GetActiveKey(context.Background(), domain.KeyTypeData, domain.AlgorithmAES128GCM)
	if err != nil {
		t.Fatalf("GetActiveKey failed: %v", err)
	}
	return mat.KeyID
}

func TestRotationService_Rotate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})
	tokens, plaintexts := encryptPhones(t, env, 5)
	oldKeyID := activeDataKey(t, env)

	rot, err := env.rotation.Rotate(ctx, oldKeyID)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rot.State != domain.RotationDone || rot.CompletedAt == nil {
		t.Fatalf("want DONE, got %s", rot.State)
	}
	if rot.MigratedCount != 5 {
		t.Errorf("want 5 migrated records, got %d", rot.MigratedCount)
	}
	if rot.NewKeyID == "" || rot.NewKeyID == oldKeyID {
		t.Fatalf("unexpected new key %q", rot.NewKeyID)
	}

	// 旧トークンは再発行なしで復号できる
	assertDecrypts(t, env, tokens, plaintexts)

	old, _ := env.keyRepo.FindByKeyID(ctx, oldKeyID)
	if old.IsActive || old.RetiredAt == nil {
		t.Error("old key should be retired")
	}
	newKey, _ := env.keyRepo.FindByKeyID(ctx, rot.NewKeyID)
	if !newKey.Writable || newKey.RotationCount != 1 {
		t.Errorf("new key should hold the write slot with rotation_count 1, got %+v", newKey.Metadata())
	}
	if activeDataKey(t, env) != rot.NewKeyID {
		t.Error("new writes should use the new key")
	}
	if n, _ := env.dataRepo.CountByKeyID(ctx, oldKeyID); n != 0 {
		t.Errorf("want no records on the old key, got %d", n)
	}

	stored, err := env.rotation.Get(ctx, rot.ID)
	if err != nil || stored.State != domain.RotationDone {
		t.Errorf("Get = (%+v, %v)", stored, err)
	}

	var done []domain.AuditEvent
	for _, ev := range env.audit.OfType(domain.AuditKeyRotation) {
		if ev.Detail["new_key_id"] == rot.NewKeyID {
			done = append(done, ev)
		}
	}
	if len(done) != 1 {
		t.Fatalf("want 1 key_rotation event, got %d", len(done))
	}
	if done[0].Detail["migrated_count"] != 5 || done[0].Detail["old_key_id"] != oldKeyID {
		t.Errorf("unexpected audit detail: %+v", done[0].Detail)
	}
}

func TestRotationService_Rotate_NoRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})
	oldKeyID := activeDataKey(t, env)

	rot, err := env.rotation.Rotate(ctx, oldKeyID)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rot.State != domain.RotationDone || rot.MigratedCount != 0 {
		t.Errorf("want DONE with 0 records, got %s/%d", rot.State, rot.MigratedCount)
	}
}

func TestRotationService_AbortAndResume(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})
	tokens, plaintexts := encryptPhones(t, env, 5)
	oldKeyID := activeDataKey(t, env)

	flaky := &flakyRecords{EncryptedDataRepository: env.dataRepo, failAfter: 3}
	svc := NewRotationService(env.keys, flaky, env.rotRepo, env.audit, 2)

	rot, err := svc.Rotate(ctx, oldKeyID)
	if err == nil {
		t.Fatal("expected rotation to fail")
	}
	if rot.State != domain.RotationAborted || rot.LastError == "" {
		t.Fatalf("want ABORTED with last_error, got %s %q", rot.State, rot.LastError)
	}
	if rot.MigratedCount != 3 {
		t.Errorf("want 3 migrated before failure, got %d", rot.MigratedCount)
	}

	old, _ := env.keyRepo.FindByKeyID(ctx, oldKeyID)
	if !old.IsActive {
		t.Fatal("old key must stay active after abort")
	}
	// 途中の状態でも全トークンが復号できる
	assertDecrypts(t, env, tokens, plaintexts)

	aborted := false
	for _, ev := range env.audit.OfType(domain.AuditKeyRotation) {
		if ev.Detail["state"] == string(domain.RotationAborted) {
			aborted = true
		}
	}
	if !aborted {
		t.Error("want a key_rotation event for the abort")
	}

	flaky.failAfter = -1
	resumed, err := svc.Resume(ctx, rot.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.State != domain.RotationDone || resumed.NewKeyID != rot.NewKeyID {
		t.Fatalf("want DONE on the same successor, got %s %s", resumed.State, resumed.NewKeyID)
	}
	if resumed.MigratedCount != 5 {
		t.Errorf("want 5 migrated in total, got %d", resumed.MigratedCount)
	}
	assertDecrypts(t, env, tokens, plaintexts)

	var count int64
	env.db.Model(&repository.EncryptionKeyModel{}).Count(&count)
	if count != 2 {
		t.Errorf("resume must not create another key, got %d keys", count)
	}

	// 完了済みのローテーションの再開はそのまま返す
	again, err := svc.Resume(ctx, rot.ID)
	if err != nil || again.State != domain.RotationDone {
		t.Errorf("Resume of finished rotation = (%v, %v)", again, err)
	}
}

func TestRotationService_RotateResumesUnfinished(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})
	encryptPhones(t, env, 3)
	oldKeyID := activeDataKey(t, env)

	flaky := &flakyRecords{EncryptedDataRepository: env.dataRepo, failAfter: 0}
	first, err := NewRotationService(env.keys, flaky, env.rotRepo, env.audit, 2).Rotate(ctx, oldKeyID)
	if err == nil {
		t.Fatal("expected rotation to fail")
	}

	rot, err := env.rotation.Rotate(ctx, oldKeyID)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rot.ID != first.ID || rot.NewKeyID != first.NewKeyID {
		t.Errorf("want the unfinished rotation %s to continue, got %s", first.ID, rot.ID)
	}
	if rot.State != domain.RotationDone {
		t.Errorf("want DONE, got %s", rot.State)
	}
}

func TestRotationService_InProgress(t *testing.T) {
	env := newTestEnv(t, KeyPolicy{})
	oldKeyID := activeDataKey(t, env)

	if !env.rotation.lock(oldKeyID) {
		t.Fatal("lock should succeed")
	}
	defer env.rotation.unlock(oldKeyID)

	if _, err := env.rotation.Rotate(context.Background(), oldKeyID); !errors.Is(err, domain.ErrRotationInProgress) {
		t.Errorf("want ErrRotationInProgress, got %v", err)
	}
	if err := env.rotation.RetireUnused(context.Background(), oldKeyID); !errors.Is(err, domain.ErrRotationInProgress) {
		t.Errorf("want ErrRotationInProgress, got %v", err)
	}
}

func TestRotationService_Errors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})

	if _, err := env.rotation.Rotate(ctx, "missing"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
	if _, err := env.rotation.Get(ctx, "missing"); !errors.Is(err, domain.ErrRotationNotFound) {
		t.Errorf("want ErrRotationNotFound, got %v", err)
	}
	if _, err := env.rotation.Resume(ctx, "missing"); !errors.Is(err, domain.ErrRotationNotFound) {
		t.Errorf("want ErrRotationNotFound, got %v", err)
	}

	keyID := activeDataKey(t, env)
	if err := env.keys.RetireKey(ctx, keyID); err != nil {
		t.Fatalf("RetireKey failed: %v", err)
	}
	if _, err := env.rotation.Rotate(ctx, keyID); !errors.Is(err, domain.ErrKeyAlreadyRetired) {
		t.Errorf("want ErrKeyAlreadyRetired, got %v", err)
	}
}

func TestRotationService_RetireUnused(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})
	encryptPhones(t, env, 1)
	keyID := activeDataKey(t, env)

	if err := env.rotation.RetireUnused(ctx, keyID); !errors.Is(err, domain.ErrKeyInUse) {
		t.Errorf("want ErrKeyInUse, got %v", err)
	}

	unused, err := env.keys.CreateKey(ctx, domain.KeyTypeBackup, domain.AlgorithmAES128GCM, 0)
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if err := env.rotation.RetireUnused(ctx, unused.KeyID); err != nil {
		t.Errorf("RetireUnused failed: %v", err)
	}
}

// lingeringRecords は旧鍵のレコードが残り続ける状況を再現する。
type lingeringRecords struct {
	*repository.EncryptedDataRepository
}

func (l *lingeringRecords) CountByKeyID(ctx context.Context, keyID string) (int64, error) {
	return 1, nil
}

func TestRotationService_DoesNotRetireWhileRecordsRemain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})
	oldKeyID := activeDataKey(t, env)

	svc := NewRotationService(env.keys, &lingeringRecords{env.dataRepo}, env.rotRepo, env.audit, 2)
	rot, err := svc.Rotate(ctx, oldKeyID)
	if !errors.Is(err, domain.ErrKeyInUse) {
		t.Fatalf("want ErrKeyInUse, got %v", err)
	}
	if rot.State != domain.RotationAborted {
		t.Errorf("want ABORTED, got %s", rot.State)
	}
	old, _ := env.keyRepo.FindByKeyID(ctx, oldKeyID)
	if !old.IsActive {
		t.Error("old key must not be retired while records reference it")
	}

	// 残りが無くなれば同じローテーションが完了する
	done, err := env.rotation.Resume(ctx, rot.ID)
	if err != nil || done.State != domain.RotationDone {
		t.Errorf("Resume = (%v, %v)", done, err)
	}
}

func TestRotationService_MissingKeyLeavesNoRotation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})

	rot, err := env.rotation.Rotate(ctx, "0123456789abcdef0123456789abcdef")
	if !errors.Is(err, domain.ErrKeyNotFound) || rot != nil {
		t.Fatalf("Rotate = (%v, %v), want (nil, ErrKeyNotFound)", rot, err)
	}
	var count int64
	env.db.Model(&repository.KeyRotationModel{}).Count(&count)
	if count != 0 {
		t.Errorf("want no rotation rows, got %d", count)
	}
}

func TestRotationService_RetireUnusedRefusesPendingSuccessor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})
	tokens, plaintexts := encryptPhones(t, env, 3)
	oldKeyID := activeDataKey(t, env)

	flaky := &flakyRecords{EncryptedDataRepository: env.dataRepo, failAfter: 0}
	first, err := NewRotationService(env.keys, flaky, env.rotRepo, env.audit, 2).Rotate(ctx, oldKeyID)
	if err == nil || first.State != domain.RotationAborted {
		t.Fatalf("expected an aborted rotation, got (%v, %v)", first, err)
	}
	if n, _ := env.dataRepo.CountByKeyID(ctx, first.NewKeyID); n != 0 {
		t.Fatalf("successor should hold no records yet, got %d", n)
	}

	// 参照レコードが0件でも移行先の後継鍵は退役させない
	if err := env.rotation.RetireUnused(ctx, first.NewKeyID); !errors.Is(err, domain.ErrKeyInUse) {
		t.Fatalf("want ErrKeyInUse for a pending successor, got %v", err)
	}

	rot, err := env.rotation.Rotate(ctx, oldKeyID)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rot.ID != first.ID || rot.NewKeyID != first.NewKeyID || rot.State != domain.RotationDone {
		t.Errorf("want rotation %s to finish on %s, got %+v", first.ID, first.NewKeyID, rot)
	}
	assertDecrypts(t, env, tokens, plaintexts)
}

func TestRotationService_ReplacesRetiredSuccessor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{})
	tokens, plaintexts := encryptPhones(t, env, 3)
	oldKeyID := activeDataKey(t, env)

	flaky := &flakyRecords{EncryptedDataRepository: env.dataRepo, failAfter: 0}
	first, err := NewRotationService(env.keys, flaky, env.rotRepo, env.audit, 2).Rotate(ctx, oldKeyID)
	if err == nil {
		t.Fatal("expected rotation to fail")
	}
	// ローテーションを経由せずに後継鍵が退役した状態
	if err := env.keys.RetireKey(ctx, first.NewKeyID); err != nil {
		t.Fatalf("RetireKey failed: %v", err)
	}

	rot, err := env.rotation.Rotate(ctx, oldKeyID)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rot.ID != first.ID || rot.State != domain.RotationDone {
		t.Fatalf("want rotation %s DONE, got %+v", first.ID, rot)
	}
	if rot.NewKeyID == first.NewKeyID || rot.NewKeyID == "" {
		t.Errorf("want a fresh successor, got %q", rot.NewKeyID)
	}
	if activeDataKey(t, env) != rot.NewKeyID {
		t.Error("fresh successor should hold the write slot")
	}
	if _, err := env.rotation.Rotate(ctx, oldKeyID); !errors.Is(err, domain.ErrKeyAlreadyRetired) {
		t.Errorf("want ErrKeyAlreadyRetired once the rotation is done, got %v", err)
	}
	assertDecrypts(t, env, tokens, plaintexts)
}

func TestRotationService_MigratesKeyPastDecryptGrace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, KeyPolicy{DataKeyTTL: time.Hour, DecryptGrace: 24 * time.Hour})
	tokens, plaintexts := encryptPhones(t, env, 3)
	oldKeyID := activeDataKey(t, env)

	later := time.Now().UTC().Add(48 * time.Hour)
	env.keys.now = func() time.Time { return later }
	if _, err := env.keys.ResolveKey(ctx, oldKeyID); !errors.Is(err, domain.ErrKeyExpired) {
		t.Fatalf("want old key past its grace, got %v", err)
	}

	rot, err := env.rotation.Rotate(ctx, oldKeyID)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rot.State != domain.RotationDone || rot.MigratedCount != 3 {
		t.Errorf("want DONE with 3 migrated, got %s/%d", rot.State, rot.MigratedCount)
	}
	if n, _ := env.dataRepo.CountByKeyID(ctx, rot.NewKeyID); n != 3 {
		t.Errorf("want 3 records on the successor, got %d", n)
	}
	assertDecrypts(t, env, tokens, plaintexts)
}
