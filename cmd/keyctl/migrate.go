package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"pii-encryption-service/config"
	"pii-encryption-service/internal/infra"
	"pii-encryption-service/internal/repository"
	"pii-encryption-service/internal/usecase"
	"pii-encryption-service/migrations"
)

// migrateCmd はマイグレーション管理コマンド。DBに直接接続する。
func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the PII encryption service (connects to DATABASE_URL directly)",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Migrations directory (default: embedded migrations, or MIGRATIONS_DIR)")
	cmd.AddCommand(migrateUpCmd(&dir))
	cmd.AddCommand(migrateStatusCmd(&dir))
	return cmd
}

// newMigrationService は設定からDBに接続してMigrationServiceを生成する。
func newMigrationService(dir string) (*usecase.MigrationService, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	// スキーマはSQLで作るため AutoMigrate は使わない
	cfg.DBAutoMigrate = false

	db, err := infra.NewDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dir == "" {
		dir = os.Getenv("MIGRATIONS_DIR")
	}
	var files fs.FS = migrations.FS
	if dir != "" {
		files = os.DirFS(dir)
	}

	return usecase.NewMigrationService(repository.NewMigrationRepository(db), db, files), db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

func migrateUpCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, db, err := newMigrationService(*dir)
			if err != nil {
				return err
			}
			defer closeDB(db)

			appliedCount, err := svc.ApplyMigrations(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, db, err := newMigrationService(*dir)
			if err != nil {
				return err
			}
			defer closeDB(db)

			all, err := svc.GetMigrationStatus(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			// テーブル形式で出力
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			fmt.Fprintln(w, "-------\t----\t------\t----------")

			pending := 0
			for _, migration := range all {
				if !migration.IsApplied() {
					pending++
				}
				appliedAt := "-"
				if migration.AppliedAt != nil {
					appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", migration.Version, migration.Name, migration.Status, appliedAt)
			}

			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d pending migration(s).\n", pending)
			return nil
		},
	}
}
