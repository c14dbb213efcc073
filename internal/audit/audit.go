// Package audit は監査イベントの出力先を提供する。
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/natefinch/lumberjack.v2"

	"pii-encryption-service/config"
	"pii-encryption-service/internal/domain"
)

// Logger は監査イベントの出力先。
type Logger interface {
	Log(ctx context.Context, event domain.AuditEvent) error
	Close() error
}

func stamp(event domain.AuditEvent) domain.AuditEvent {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

// SlogLogger は監査イベントをslogへ出力する。
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger は SlogLogger を生成する。logger が nil の場合はデフォルトロガーを使う。
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

// Log は監査イベントを1行のログとして出力する。
func (l *SlogLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	event = stamp(event)
	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if event.Type == domain.AuditDecryptionFailure {
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, "audit event",
		slog.String("event_type", string(event.Type)),
		slog.String("key_id", event.KeyID),
		slog.Time("timestamp", event.Timestamp),
		slog.Any("detail", event.Detail),
	)
	return nil
}

// Close は何もしない。
func (l *SlogLogger) Close() error { return nil }

// FileLogger は監査イベントをJSON Linesでファイルへ追記する。ファイルはサイズでローテーションする。
type FileLogger struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewFileLogger は path に出力する FileLogger を生成する。
func NewFileLogger(path string, maxSizeMB int) *FileLogger {
	return &FileLogger{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 10,
		Compress:   true,
	}}
}

// newWriterLogger は任意のWriterに出力する FileLogger を生成する。
func newWriterLogger(w io.WriteCloser) *FileLogger {
	return &FileLogger{w: w}
}

// Log は監査イベントを1行のJSONとして書き込む。
func (l *FileLogger) Log(_ context.Context, event domain.AuditEvent) error {
	b, err := json.Marshal(stamp(event))
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// Close はファイルを閉じる。
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// MultiLogger は複数の出力先へ同じイベントを送る。
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger は MultiLogger を生成する。
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log は全ての出力先へ送り、失敗をまとめて返す。
func (m *MultiLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	event = stamp(event)
	var result *multierror.Error
	for _, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close は全ての出力先を閉じる。
func (m *MultiLogger) Close() error {
	var result *multierror.Error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// NoOpLogger は何も出力しない。
type NoOpLogger struct{}

func (NoOpLogger) Log(context.Context, domain.AuditEvent) error { return nil }
func (NoOpLogger) Close() error                                 { return nil }

// Recorder はイベントをメモリに保持する。テスト用。
type Recorder struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

// Log はイベントを記録する。
func (r *Recorder) Log(_ context.Context, event domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stamp(event))
	return nil
}

// Close は何もしない。
func (r *Recorder) Close() error { return nil }

// Events は記録済みイベントのコピーを返す。
func (r *Recorder) Events() []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEvent(nil), r.events...)
}

// OfType は指定種別のイベントのみ返す。
func (r *Recorder) OfType(t domain.AuditEventType) []domain.AuditEvent {
	var out []domain.AuditEvent
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// FromConfig は設定に従って監査ロガーを組み立てる。
// slog出力は常に有効で、AUDIT_LOG_FILE が設定されていればファイルにも出力する。
func FromConfig(cfg *config.Config) Logger {
	sl := NewSlogLogger(nil)
	if cfg.AuditLogFile == "" {
		return sl
	}
	return NewMultiLogger(sl, NewFileLogger(cfg.AuditLogFile, cfg.AuditLogMaxSizeMB))
}

// Emit は監査イベントを送り、失敗した場合はログに残す。
// 監査の失敗で本来の処理を止めない。
func Emit(ctx context.Context, l Logger, event domain.AuditEvent) {
	if l == nil {
		return
	}
	if err := l.Log(ctx, event); err != nil {
		slog.ErrorContext(ctx, "failed to write audit event",
			"event_type", string(event.Type),
			"key_id", event.KeyID,
			"error", err,
		)
	}
}
