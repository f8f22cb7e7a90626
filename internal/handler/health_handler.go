package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthCheckers は複数の依存先を順に確認する。最初に失敗したエラーを返す。
type HealthCheckers []HealthChecker

// PingContext はすべてのcheckerを確認する。
func (hs HealthCheckers) PingContext(ctx context.Context) error {
	for _, h := range hs {
		if err := h.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// NewHealthHandler は/healthのハンドラーを返す。checkerがnilの場合は常にokを返す。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
