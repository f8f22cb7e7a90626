// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/studiobook/internal/model"
)

// SessionCookieName はログインセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

type contextKey string

var userContextKey = contextKey("user")

// UserLoader はセッションIDからログイン中のユーザーを解決する。
// セッションが存在しないか期限切れの場合は(nil, nil)を返す。
type UserLoader interface {
	CurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// NewSessionMiddleware はセッションCookieからユーザーを解決してコンテキストに注入する。
// 未ログインのリクエストには401を返す。
func NewSessionMiddleware(loader UserLoader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := loadUser(r, loader)
			if user == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// NewOptionalSessionMiddleware はログイン中であればユーザーを注入し、未ログインでもそのまま通す。
func NewOptionalSessionMiddleware(loader UserLoader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user := loadUser(r, loader); user != nil {
				r = r.WithContext(ContextWithUser(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loadUser(r *http.Request, loader UserLoader) *model.User {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	user, err := loader.CurrentUser(r.Context(), cookie.Value)
	if err != nil {
		slog.Error("failed to load session user", slog.String("error", err.Error()))
		return nil
	}
	return user
}

// RequireRole はログイン中のユーザーがmin以上のロールを持つ場合のみ通す。
// SessionMiddlewareの後に配置する。
func RequireRole(min model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !user.Role.AtLeast(min) {
				slog.Warn("role check failed",
					slog.String("user_id", user.ID),
					slog.String("role", string(user.Role)),
					slog.String("required", string(min)),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserFromContext はコンテキストからログイン中のユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// UserIDFromContext はコンテキストからログイン中のユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user.ID == "" {
		return "", fmt.Errorf("user not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストにユーザーを注入する。テストでも使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	if slot, ok := ctx.Value(userSlotKey).(*userSlot); ok && user != nil {
		slot.id = user.ID
	}
	return context.WithValue(ctx, userContextKey, user)
}
