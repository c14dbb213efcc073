// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"

	"pii-encryption-service/config"
	"pii-encryption-service/internal/app"
	"pii-encryption-service/internal/handler"
	"pii-encryption-service/internal/infra"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 終了時に保護メモリ上の鍵を消去する
	defer memguard.Purge()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// トレーサーとトレース情報付きロガーを設定
	shutdownTelemetry, err := infra.SetupTelemetry(ctx, cfg, os.Stdout)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// DI
	a, err := app.New(ctx, cfg, os.Stderr)
	if err != nil {
		slog.Error("failed to init application", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.CheckMasterKey(ctx); err != nil {
		slog.Error("master key is not configured", "error", err)
		os.Exit(1)
	}

	router := handler.NewRouter(handler.Handlers{
		Keys:   handler.NewKeyHandler(a.Keys, a.Rotations),
		Fields: handler.NewFieldHandler(a.Codec),
		Stats:  handler.NewStatsHandler(a.Statistics),
	})

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "db_driver", cfg.DatabaseDriver, "backup_enabled", cfg.BackupEnabled())
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
