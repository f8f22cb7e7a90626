package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/studiobook/internal/metrics"
	"github.com/hitoshi/studiobook/internal/middleware"
	"github.com/hitoshi/studiobook/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	UserLoader        middleware.UserLoader
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	StatusObserver    middleware.StatusObserver

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	ReservationService ReservationServiceInterface
	MembershipService  MembershipServiceInterface
	InviteService      InviteServiceInterface
	Webhook            WebhookReconciler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS
//	  /api/*: CSRF → OptionalSession → RateLimit(General) → [RequireRole] → [RateLimit(Booking)]
//
// /health, /metrics, /webhooks/stripe と認証ルート（/auth/*）はCSRF・セッションの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusObserver))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	resHandler := NewReservationHandler(deps.ReservationService)
	memHandler := NewMembershipHandler(deps.MembershipService)
	invHandler := NewInviteHandler(deps.InviteService)
	webhookHandler := NewWebhookHandler(deps.Webhook)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Post("/webhooks/stripe", webhookHandler.Stripe)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(middleware.NewOptionalSessionMiddleware(deps.UserLoader))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		booking := deps.RateLimiter.BookingMiddleware()

		r.Handle("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))
		r.Get("/api/schedule", resHandler.Schedule)
		r.Get("/api/calendar", resHandler.Calendar)
		r.Get("/api/plans", memHandler.Plans)

		// --- ログインが必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleGuest))

			r.Patch("/api/me", authHandler.UpdateMe)

			r.With(booking).Post("/api/requests", resHandler.SubmitRequest)
			r.With(booking).Post("/api/bookings", resHandler.InstantBook)
			r.Get("/api/bookings", resHandler.ListMySessions)
			r.Delete("/api/bookings/{id}", resHandler.CancelSession)

			r.Get("/api/membership", memHandler.Status)
			r.Post("/api/membership/checkout", memHandler.Checkout)
			r.Post("/api/membership/portal", memHandler.Portal)
			r.Delete("/api/membership", memHandler.Cancel)

			r.Post("/api/invites/{token}/accept", invHandler.Accept)
		})

		// --- オペレーター以上 ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleOperator))

			r.Get("/api/requests", resHandler.ListRequests)
			r.Post("/api/requests/{id}/decision", resHandler.Decide)
			r.Post("/api/requests/{id}/payment-link", resHandler.RetryPaymentLink)
		})

		// --- 管理者のみ ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAdmin))

			r.Post("/api/invites", invHandler.Issue)
		})
	})

	return r
}
