package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"pii-encryption-service/config"
	"pii-encryption-service/internal/app"
	"pii-encryption-service/internal/engine"
	"pii-encryption-service/internal/infra"
)

// masterCmd はマスター鍵の管理コマンド。
func masterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Manage the master encryption key",
	}
	cmd.AddCommand(masterGenerateCmd())
	return cmd
}

// masterGenerateCmd は新しいマスター鍵を生成して出力する。
// --kms を付けるとCloud KMSで暗号化し、MASTER_KEY_CIPHERTEXT 用の値を出力する。
func masterGenerateCmd() *cobra.Command {
	var useKMS bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, engine.MasterKeyMinSize)
			if _, err := io.ReadFull(rand.Reader, key); err != nil {
				return fmt.Errorf("generating master key: %w", err)
			}
			defer memguard.WipeBytes(key)

			out := cmd.OutOrStdout()
			if !useKMS {
				fmt.Fprintf(out, "MASTER_ENCRYPTION_KEY=%s\n", base64.StdEncoding.EncodeToString(key))
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.KMSKeyName == "" {
				return fmt.Errorf("KMS_KEY_NAME is required with --kms")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			kms, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
			if err != nil {
				return err
			}
			defer kms.Close()

			ciphertext, err := kms.Encrypt(ctx, key)
			if err != nil {
				return fmt.Errorf("wrapping master key with KMS: %w", err)
			}
			fmt.Fprintf(out, "MASTER_KEY_CIPHERTEXT=%s\n", base64.StdEncoding.EncodeToString(ciphertext))
			return nil
		},
	}
	cmd.Flags().BoolVar(&useKMS, "kms", false, "Wrap the key with Cloud KMS (KMS_KEY_NAME)")
	return cmd
}

// backupCmd は鍵バックアップの管理コマンド。DBとS3に直接接続する。
func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and restore encrypted key backups",
	}
	cmd.AddCommand(backupCreateCmd())
	cmd.AddCommand(backupListCmd())
	cmd.AddCommand(backupRestoreCmd())
	return cmd
}

// withApp は設定からサービス一式を組み立てて fn を実行する。
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	// 標準出力はコマンドの結果に使う
	slog.SetDefault(infra.NewLogger(os.Stderr, cfg))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	defer memguard.Purge()
	return fn(ctx, a)
}

func backupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Back up all key rows to the configured S3 bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				info, err := a.Backups.Create(ctx)
				if err != nil {
					return fmt.Errorf("backup failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created backup %s (%d keys, %d bytes)\n", info.Name, info.KeyCount, info.Size)
				return nil
			})
		},
	}
}

func backupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				backups, err := a.Backups.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list backups: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "NAME\tSIZE\tCREATED AT")
				for _, b := range backups {
					fmt.Fprintf(w, "%s\t%d\t%s\n", b.Name, b.Size, b.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}
}

func backupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore NAME",
		Short: "Restore keys missing from the database from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, err := a.Backups.Restore(ctx, args[0])
				if err != nil {
					return fmt.Errorf("restore failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %d key(s), skipped %d existing key(s)\n", result.Restored, result.Skipped)
				return nil
			})
		},
	}
}
