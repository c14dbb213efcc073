package domain

import (
	"fmt"
	"time"
)

// EncryptionMethod は暗号化方式を表す。
type EncryptionMethod string

const (
	MethodSymmetric  EncryptionMethod = "symmetric"
	MethodAsymmetric EncryptionMethod = "asymmetric"
	MethodHybrid     EncryptionMethod = "hybrid"
)

// ParseEncryptionMethod は文字列をEncryptionMethodに変換する。
func ParseEncryptionMethod(s string) (EncryptionMethod, error) {
	switch EncryptionMethod(s) {
	case MethodSymmetric, MethodAsymmetric, MethodHybrid:
		return EncryptionMethod(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
}

// EncryptedDataRecord は暗号化済みフィールドの追跡レコードを表す。
// Ciphertext は KeyID の鍵で暗号化された現在の暗号文。
// TokenDigest は発行時にトークンへ埋め込んだ暗号文のSHA-256。
type EncryptedDataRecord struct {
	ID               string
	DataID           string
	TableName        string
	ColumnName       string
	RecordID         string
	KeyID            string
	EncryptionMethod EncryptionMethod
	Ciphertext       []byte
	TokenDigest      []byte
	CreatedAt        time.Time
	LastAccessedAt   *time.Time
}

// Statistics は暗号化状況の集計を表す。
type Statistics struct {
	Keys             KeyStats
	EncryptedRecords int64
	RecordsByTable   map[string]int64
}
