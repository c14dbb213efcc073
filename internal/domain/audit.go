package domain

import "time"

// AuditEventType は監査イベント種別を表す。
type AuditEventType string

const (
	AuditKeyCreated        AuditEventType = "key_created"
	AuditKeyRotation       AuditEventType = "key_rotation"
	AuditDecryptionFailure AuditEventType = "decryption_failure"
)

// AuditEvent は監査サブシステムへ送る構造化イベント。
// Detail に鍵素材や平文を入れてはならない。
type AuditEvent struct {
	Type      AuditEventType `json:"type"`
	KeyID     string         `json:"key_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}
