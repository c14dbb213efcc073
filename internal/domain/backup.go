package domain

import "time"

// BackupInfo は保存済みの鍵バックアップを表す。
type BackupInfo struct {
	Name      string
	Size      int64
	CreatedAt time.Time
	KeyCount  int
}

// RestoreResult はバックアップ復元の結果。
type RestoreResult struct {
	Restored int
	Skipped  int
}
