package repository

import "gorm.io/gorm"

// Models はサービスが所有するテーブルのモデル一覧。
func Models() []any {
	return []any{
		&EncryptionKeyModel{},
		&EncryptedDataModel{},
		&KeyRotationModel{},
		&SchemaMigrationModel{},
	}
}

// AutoMigrate はモデル定義からテーブルを作成・更新する。
// SQLマイグレーションを使わない開発環境とテストで使う。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
