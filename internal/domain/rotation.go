package domain

import "time"

// RotationState は鍵ローテーションの状態を表す。
type RotationState string

const (
	RotationStarted       RotationState = "STARTED"
	RotationKeyCreated    RotationState = "KEY_CREATED"
	RotationMigrating     RotationState = "MIGRATING"
	RotationOldKeyRetired RotationState = "OLD_KEY_RETIRED"
	RotationDone          RotationState = "DONE"
	RotationAborted       RotationState = "ABORTED"
)

// Rotation は1回の鍵ローテーションの進行状況を表す。
type Rotation struct {
	ID            string
	OldKeyID      string
	NewKeyID      string
	State         RotationState
	MigratedCount int
	LastError     string
	StartedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Finished は終端状態（DONE）かどうかを返す。
// ABORTED は再実行可能なので終端には含めない。
func (r *Rotation) Finished() bool {
	return r.State == RotationDone
}
