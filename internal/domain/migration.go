package domain

import "time"

// MigrationStatus はスキーママイグレーションの適用状態。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration は {version}_{name}.sql 形式のスキーマ定義ファイル1件を表す。
// AppliedAt は未適用の場合 nil。
type Migration struct {
	Version   string
	Name      string
	AppliedAt *time.Time
	FilePath  string
	Status    MigrationStatus
}

// IsApplied は適用済みかどうかを返す。
func (m *Migration) IsApplied() bool {
	return m.Status == MigrationStatusApplied
}
