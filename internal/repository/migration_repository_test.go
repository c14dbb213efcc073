package repository

import (
	"context"
	"testing"
)

func TestMigrationRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMigrationRepository(setupTestDB(t))

	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}

	applied, err := repo.IsMigrationApplied(ctx, "001")
	if err != nil || applied {
		t.Fatalf("IsMigrationApplied = (%v, %v), want (false, nil)", applied, err)
	}

	for _, v := range []string{"002", "001"} {
		if err := repo.RecordMigration(ctx, nil, v); err != nil {
			t.Fatalf("RecordMigration(%s) failed: %v", v, err)
		}
	}
	if err := repo.RecordMigration(ctx, nil, "001"); err == nil {
		t.Error("expected duplicate version to fail")
	}

	all, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(all) != 2 || all[0].Version != "001" || all[1].Version != "002" {
		t.Errorf("unexpected applied migrations: %+v", all)
	}
	if all[0].AppliedAt == nil || all[0].AppliedAt.IsZero() {
		t.Error("expected applied_at to be set")
	}
}
