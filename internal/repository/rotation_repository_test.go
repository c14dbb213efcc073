package repository

import (
	"context"
	"testing"
	"time"

	"pii-encryption-service/internal/domain"
)

func TestRotationRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewRotationRepository(setupTestDB(t))
	now := time.Now().UTC()

	rot := &domain.Rotation{OldKeyID: "old", State: domain.RotationStarted, StartedAt: now}
	if err := repo.Create(ctx, rot); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rot.ID == "" {
		t.Fatal("expected ID to be generated")
	}

	rot.NewKeyID = "new"
	rot.State = domain.RotationMigrating
	rot.MigratedCount = 10
	if err := repo.Save(ctx, rot); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	found, err := repo.FindByID(ctx, rot.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if found.State != domain.RotationMigrating || found.NewKeyID != "new" || found.MigratedCount != 10 {
		t.Errorf("unexpected rotation: %+v", found)
	}

	unfinished, err := repo.FindLatestUnfinished(ctx, "old")
	if err != nil || unfinished == nil || unfinished.ID != rot.ID {
		t.Fatalf("FindLatestUnfinished = (%+v, %v)", unfinished, err)
	}
	bySuccessor, err := repo.FindUnfinishedBySuccessor(ctx, "new")
	if err != nil || bySuccessor == nil || bySuccessor.ID != rot.ID {
		t.Fatalf("FindUnfinishedBySuccessor = (%+v, %v)", bySuccessor, err)
	}

	done := now.Add(time.Second)
	rot.State = domain.RotationDone
	rot.CompletedAt = &done
	if err := repo.Save(ctx, rot); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	unfinished, err = repo.FindLatestUnfinished(ctx, "old")
	if err != nil || unfinished != nil {
		t.Errorf("expected no unfinished rotation, got (%+v, %v)", unfinished, err)
	}
	bySuccessor, err = repo.FindUnfinishedBySuccessor(ctx, "new")
	if err != nil || bySuccessor != nil {
		t.Errorf("expected no unfinished rotation for successor, got (%+v, %v)", bySuccessor, err)
	}

	missing, err := repo.FindByID(ctx, "missing")
	if err != nil || missing != nil {
		t.Errorf("FindByID(missing) = (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestRotationRepository_TruncatesLastError(t *testing.T) {
	ctx := context.Background()
	repo := NewRotationRepository(setupTestDB(t))

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'e'
	}
	rot := &domain.Rotation{OldKeyID: "old", State: domain.RotationAborted, LastError: string(long), StartedAt: time.Now().UTC()}
	if err := repo.Create(ctx, rot); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	found, _ := repo.FindByID(ctx, rot.ID)
	if len(found.LastError) != 1024 {
		t.Errorf("expected last_error truncated to 1024, got %d", len(found.LastError))
	}
}
