package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration はマスター鍵など必須設定が取得できない場合のエラー。起動時に致命的。
	ErrConfiguration = errors.New("configuration error")

	// ErrMasterKeyUnavailable はKMSの一時的な障害でマスター鍵を取得できない場合のエラー。
	ErrMasterKeyUnavailable = errors.New("master key unavailable")

	// ErrKeyNotFound は指定された鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyRetired は鍵が退役済みで復号に使えない場合のエラー。ErrKeyNotFound としても判定できる。
	ErrKeyRetired = fmt.Errorf("%w: key is retired", ErrKeyNotFound)

	// ErrKeyAlreadyRetired は既に退役済みの鍵を退役しようとした場合のエラー。
	ErrKeyAlreadyRetired = errors.New("key is already retired")

	// ErrKeyExpired は鍵が復号猶予期間を過ぎている場合のエラー。
	ErrKeyExpired = errors.New("key expired")

	// ErrKeyNotAvailable はアクティブ鍵を取得も生成もできない場合のエラー。
	ErrKeyNotAvailable = errors.New("key not available")

	// ErrActiveKeyConflict は用途ごとのアクティブ鍵の一意制約に衝突した場合のエラー。
	ErrActiveKeyConflict = errors.New("active key already exists for purpose")

	// ErrKeyInUse は暗号化レコードから参照されている鍵を退役しようとした場合のエラー。
	ErrKeyInUse = errors.New("key is referenced by encrypted records")

	// ErrPayloadTooLarge はRSAで暗号化できるサイズを超えた場合のエラー。ハイブリッド方式を使うこと。
	ErrPayloadTooLarge = errors.New("payload too large for asymmetric encryption, use hybrid")

	// ErrDecryption は改ざん・鍵不一致・不正な入力で復号できない場合のエラー。
	ErrDecryption = errors.New("decryption failed")

	// ErrInvalidToken は暗号化トークンの形式が不正な場合のエラー。
	ErrInvalidToken = errors.New("invalid encrypted token")

	// ErrRecordNotFound は暗号化レコードが存在しない場合のエラー。
	ErrRecordNotFound = errors.New("encrypted record not found")

	// ErrUnsupportedAlgorithm は未対応のアルゴリズムの場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrUnsupportedMethod は未対応の暗号化方式の場合のエラー。
	ErrUnsupportedMethod = errors.New("unsupported encryption method")

	// ErrInvalidArgument は入力値が不正な場合のエラー。
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRotationNotFound は指定されたローテーションが存在しない場合のエラー。
	ErrRotationNotFound = errors.New("rotation not found")

	// ErrRotationInProgress は同じ鍵のローテーションが実行中の場合のエラー。
	ErrRotationInProgress = errors.New("rotation already in progress")

	// ErrBackupNotConfigured はバックアップ先が設定されていない場合のエラー。
	ErrBackupNotConfigured = errors.New("backup storage not configured")

	// ErrBackupNotFound は指定されたバックアップが存在しない場合のエラー。
	ErrBackupNotFound = errors.New("backup not found")

	// ErrInvalidBackup はバックアップの形式が不正な場合のエラー。
	ErrInvalidBackup = errors.New("invalid backup")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
