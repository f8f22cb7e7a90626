// Package cleanup は日次のハウスキーピングジョブを提供する。
// 期限切れのログインセッション、期限切れの未使用招待、保持期間を過ぎた
// 処理済みWebhookイベントを削除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type task struct {
	name  string
	query string
	args  func(j *CleanupJob) []interface{}
	store func(r *Result, n int64)
}

var tasks = []task{
	{
		name:  "sessions",
		query: `DELETE FROM sessions WHERE expires_at < now()`,
		store: func(r *Result, n int64) { r.Sessions = n },
	},
	{
		name:  "invites",
		query: `DELETE FROM invites WHERE used = false AND expires_at < now()`,
		store: func(r *Result, n int64) { r.Invites = n },
	},
	{
		// 処理済みイベントIDは再送の重複検知に使うため、決済サービスの再送期間より長く残す。
		name:  "webhook_events",
		query: `DELETE FROM webhook_events WHERE processed_at < now() - $1::interval`,
		args: func(j *CleanupJob) []interface{} {
			return []interface{}{fmt.Sprintf("%d days", j.WebhookEventRetentionDays)}
		},
		store: func(r *Result, n int64) { r.WebhookEvents = n },
	},
}

// Result は1回の実行で削除した件数。
type Result struct {
	Sessions      int64
	Invites       int64
	WebhookEvents int64
}

// CleanupJob は日次実行のバッチジョブ。各削除は冪等。
type CleanupJob struct {
	db                        Executor
	logger                    *slog.Logger
	WebhookEventRetentionDays int // 処理済みWebhookイベントの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                        db,
		logger:                    logger,
		WebhookEventRetentionDays: 90,
	}
}

// Run は全ての削除を順に実行する。1つが失敗しても残りは実行し、失敗をまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result
	var errs []error

	for _, t := range tasks {
		var args []interface{}
		if t.args != nil {
			args = t.args(j)
		}
		n, err := j.exec(ctx, t.query, args...)
		if err != nil {
			j.logger.Error("cleanup task failed",
				slog.String("task", t.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s のクリーンアップに失敗: %w", t.name, err))
			continue
		}
		t.store(&res, n)
	}

	j.logger.Info("cleanup job finished",
		slog.Int64("sessions_deleted", res.Sessions),
		slog.Int64("invites_deleted", res.Invites),
		slog.Int64("webhook_events_deleted", res.WebhookEvents),
		slog.Int("webhook_event_retention_days", j.WebhookEventRetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, errors.Join(errs...)
}

func (j *CleanupJob) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return n, nil
}

// RunDaily は起動直後に1回、その後intervalごとにRunを実行する。ctxがキャンセルされると戻る。
func (j *CleanupJob) RunDaily(ctx context.Context, interval time.Duration) {
	if _, err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
