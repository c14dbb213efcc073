// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"time"
)

// KeyType は暗号鍵の用途種別を表す。
type KeyType string

const (
	KeyTypeMaster KeyType = "master"
	KeyTypeData   KeyType = "data"
	KeyTypeBackup KeyType = "backup"
)

// ParseKeyType は文字列をKeyTypeに変換する。
func ParseKeyType(s string) (KeyType, error) {
	switch KeyType(s) {
	case KeyTypeMaster, KeyTypeData, KeyTypeBackup:
		return KeyType(s), nil
	}
	return "", fmt.Errorf("%w: key type %q", ErrInvalidArgument, s)
}

// Algorithm は鍵素材のアルゴリズムを表す。
type Algorithm string

const (
	AlgorithmAES128GCM Algorithm = "aes128-gcm"
	AlgorithmRSA2048   Algorithm = "rsa-2048"
	AlgorithmRSA4096   Algorithm = "rsa-4096"
)

// ParseAlgorithm は文字列をAlgorithmに変換する。
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgorithmAES128GCM, AlgorithmRSA2048, AlgorithmRSA4096:
		return Algorithm(s), nil
	}
	return "", fmt.Errorf("%w: algorithm %q", ErrUnsupportedAlgorithm, s)
}

// IsAsymmetric はRSA鍵かどうかを返す。
func (a Algorithm) IsAsymmetric() bool {
	return a == AlgorithmRSA2048 || a == AlgorithmRSA4096
}

// RSABits はRSA鍵のビット長を返す。RSA以外は0。
func (a Algorithm) RSABits() int {
	switch a {
	case AlgorithmRSA2048:
		return 2048
	case AlgorithmRSA4096:
		return 4096
	}
	return 0
}

// RSAAlgorithm はビット長に対応するRSAアルゴリズムを返す。
func RSAAlgorithm(bits int) (Algorithm, error) {
	switch bits {
	case 2048:
		return AlgorithmRSA2048, nil
	case 4096:
		return AlgorithmRSA4096, nil
	}
	return "", fmt.Errorf("%w: rsa-%d", ErrUnsupportedAlgorithm, bits)
}

// Purpose は書き込み用アクティブ鍵を一意に選ぶための用途キーを返す。
func Purpose(keyType KeyType, algorithm Algorithm) string {
	return string(keyType) + "/" + string(algorithm)
}

// EncryptionKey は暗号鍵エンティティを表す。
// WrappedMaterial はマスター鍵でラップ済みの鍵素材で、平文で保存されることはない。
type EncryptionKey struct {
	ID              string
	KeyID           string
	KeyType         KeyType
	Algorithm       Algorithm
	WrappedMaterial []byte
	PublicMaterial  []byte
	// Writable は書き込み用スロットを保持しているかを表す。
	Writable      bool
	IsActive      bool
	RotationCount int
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	RetiredAt     *time.Time
	UpdatedAt     time.Time
}

// Purpose は鍵の用途キーを返す。
func (k *EncryptionKey) Purpose() string {
	return Purpose(k.KeyType, k.Algorithm)
}

// IsExpired は指定時刻において有効期限切れかどうかを返す。
func (k *EncryptionKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Metadata は鍵素材を含まないメタデータを返す。
func (k *EncryptionKey) Metadata() *KeyMetadata {
	return &KeyMetadata{
		KeyID:         k.KeyID,
		KeyType:       k.KeyType,
		Algorithm:     k.Algorithm,
		Writable:      k.Writable,
		IsActive:      k.IsActive,
		RotationCount: k.RotationCount,
		CreatedAt:     k.CreatedAt,
		ExpiresAt:     k.ExpiresAt,
		RetiredAt:     k.RetiredAt,
	}
}

// KeyMetadata は暗号鍵のメタデータを表す（鍵素材を含まない）。
type KeyMetadata struct {
	KeyID         string
	KeyType       KeyType
	Algorithm     Algorithm
	Writable      bool
	IsActive      bool
	RotationCount int
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	RetiredAt     *time.Time
}

// KeyMaterial はアンラップ済みの鍵素材を表す。
// Secret は対称鍵の場合は256bitの秘密値、RSAの場合はPKCS#8 PEMの秘密鍵。
type KeyMaterial struct {
	KeyID     string
	KeyType   KeyType
	Algorithm Algorithm
	Secret    []byte
	Public    []byte
}

// KeyFilter は鍵一覧の絞り込み条件を表す。
type KeyFilter struct {
	KeyType    KeyType
	ActiveOnly bool
}

// KeyStats は鍵の集計値を表す。
type KeyStats struct {
	Total   int64
	Active  int64
	Expired int64
	Retired int64
}
