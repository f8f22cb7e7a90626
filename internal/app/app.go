// Package app はサブコマンドの解析、依存関係のワイヤリング、グレースフルシャットダウンを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/studiobook/internal/auth"
	"github.com/hitoshi/studiobook/internal/billing"
	"github.com/hitoshi/studiobook/internal/calendar"
	"github.com/hitoshi/studiobook/internal/config"
	"github.com/hitoshi/studiobook/internal/database"
	"github.com/hitoshi/studiobook/internal/handler"
	"github.com/hitoshi/studiobook/internal/invite"
	"github.com/hitoshi/studiobook/internal/logger"
	"github.com/hitoshi/studiobook/internal/membership"
	"github.com/hitoshi/studiobook/internal/metrics"
	"github.com/hitoshi/studiobook/internal/middleware"
	"github.com/hitoshi/studiobook/internal/notify"
	"github.com/hitoshi/studiobook/internal/payment"
	"github.com/hitoshi/studiobook/internal/repository"
	"github.com/hitoshi/studiobook/internal/reservation"
	"github.com/hitoshi/studiobook/internal/security"
	"github.com/hitoshi/studiobook/internal/worker/cleanup"
)

const (
	outboundTimeout = 10 * time.Second
	shutdownTimeout = 30 * time.Second
	cleanupInterval = 24 * time.Hour
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("timezone", cfg.Location.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDB はDB接続を開いて疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config, pool database.PoolConfig) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// newSender は通知の実送信を行うSenderを構築する。
// SENDGRID_API_KEYが未設定の場合はログ出力のみのメーラーを使う。
func newSender(cfg *config.Config) (*notify.Sender, error) {
	outbound := security.NewOutboundClient(outboundTimeout)

	var mailer notify.Mailer
	if cfg.SendGridAPIKey != "" {
		mailer = notify.NewSendGridMailer(outbound, cfg.SendGridAPIKey)
	} else {
		slog.Warn("SENDGRID_API_KEY is not set; notifications are only logged")
		mailer = notify.NewLogMailer(slog.Default())
	}

	if cfg.OperatorWebhookURL != "" {
		if err := security.ValidateWebhookURL(cfg.OperatorWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid OPERATOR_WEBHOOK_URL: %w", err)
		}
	}
	hook := notify.NewOperatorWebhook(outbound, cfg.OperatorWebhookURL)

	return notify.NewSender(mailer, hook, cfg.FromEmail, slog.Default()), nil
}

// newRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// dispatcher はAPIプロセスが使う通知Dispatcherと、その停止処理。
type dispatcher struct {
	notify.Dispatcher
	shutdown func(ctx context.Context) error
	health   handler.HealthChecker // ブローカーを使う場合のみ
}

// newDispatcher はAMQP_URLが設定されていればRabbitMQへ発行し、
// なければプロセス内のワーカープールで送信するDispatcherを返す。
func newDispatcher(ctx context.Context, cfg *config.Config, collector *metrics.Collector) (*dispatcher, error) {
	if cfg.AMQPURL != "" {
		d, err := notify.NewAMQPDispatcher(cfg.AMQPURL, cfg.AMQPExchange, slog.Default(), collector)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to message broker: %w", err)
		}
		slog.Info("notifications are relayed through AMQP", slog.String("exchange", cfg.AMQPExchange))
		return &dispatcher{
			Dispatcher: d,
			shutdown:   func(context.Context) error { return d.Close() },
			health:     d,
		}, nil
	}

	sender, err := newSender(cfg)
	if err != nil {
		return nil, err
	}
	d := notify.NewAsyncDispatcher(sender, slog.Default(), notify.AsyncOptions{
		Workers:     cfg.NotifyWorkers,
		MaxAttempts: cfg.NotifyMaxAttempts,
		Observer:    collector,
	})
	d.Start(ctx)
	return &dispatcher{Dispatcher: d, shutdown: d.Shutdown}, nil
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	// リポジトリ
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	reservationRepo := repository.NewPostgresReservationRepo(db)
	membershipRepo := repository.NewPostgresMembershipRepo(db)
	eventRepo := repository.NewPostgresWebhookEventRepo(db)
	planRepo := repository.NewPostgresPlanRepo(db)
	inviteRepo := repository.NewPostgresInviteRepo(db)

	reg, collector := newRegistry()

	// 通知はリクエスト処理とは独立したcontextで動かし、シャットダウン時に明示的に止める
	notifyCtx, cancelNotify := context.WithCancel(context.Background())
	defer cancelNotify()
	notifier, err := newDispatcher(notifyCtx, cfg, collector)
	if err != nil {
		return err
	}

	gateway := payment.NewStripeGateway(payment.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		BaseURL:       cfg.BaseURL,
	})
	clock := calendar.SystemClock{Loc: cfg.Location}
	cal := calendar.New(cfg.Location, cfg.StudioOpenHour, cfg.StudioCloseHour)
	cal.MaxAdvanceDays = cfg.BookingHorizonDays

	// ドメインサービス
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, userRepo, identRepo, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	reservationService := reservation.NewService(reservation.Deps{
		Reservations: reservationRepo,
		Users:        userRepo,
		Memberships:  membershipRepo,
		Gateway:      gateway,
		Notifier:     notifier,
		Calendar:     cal,
		Clock:        clock,
		Metrics:      collector,
		Logger:       slog.Default(),
	}, reservation.Config{
		BaseURL:        cfg.BaseURL,
		FeeCents:       cfg.BookingFeeCents,
		FeeCurrency:    cfg.BookingFeeCurrency,
		FeeLabel:       cfg.BookingFeeLabel,
		OperatorEmails: cfg.OperatorEmails,
	})

	membershipService := membership.NewService(membership.Deps{
		Memberships: membershipRepo,
		Plans:       planRepo,
		Users:       userRepo,
		Gateway:     gateway,
		Notifier:    notifier,
		Clock:       clock,
		Logger:      slog.Default(),
	})

	inviteService := invite.NewService(invite.Deps{
		Invites:  inviteRepo,
		Users:    userRepo,
		Gateway:  gateway,
		Notifier: notifier,
		Clock:    clock,
		Logger:   slog.Default(),
	}, invite.Config{
		BaseURL: cfg.BaseURL,
		TTL:     cfg.InviteTTL,
	})

	reconciler := billing.NewReconciler(billing.Deps{
		Gateway:      gateway,
		Memberships:  membershipRepo,
		Events:       eventRepo,
		Plans:        planRepo,
		Users:        userRepo,
		Reservations: reservationService,
		Notifier:     notifier,
		Metrics:      collector,
		Logger:       slog.Default(),
	})

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralPerMinute: cfg.RateLimitGeneral,
		BookingPerMinute: cfg.RateLimitBooking,
		CleanupInterval:  5 * time.Minute,
	})
	defer rateLimiter.Stop()

	health := handler.HealthCheckers{db}
	if notifier.health != nil {
		health = append(health, notifier.health)
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		UserLoader:        authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		StatusObserver: collector,
		HealthChecker:  health,
		Gatherer:       reg,
		AuthService:    authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},
		ReservationService: reservationService,
		MembershipService:  membershipService,
		InviteService:      inviteService,
		Webhook:            reconciler,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// 処理中のリクエストが積んだ通知を送り切ってから止める
	if err := notifier.shutdown(shutdownCtx); err != nil {
		slog.Error("notification dispatcher shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 日次クリーンアップを実行し、AMQP_URLが設定されていれば通知キューを消費する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg, database.PoolConfig{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.WebhookEventRetentionDays = cfg.WebhookEventRetentionDays

	consumerErr := make(chan error, 1)
	if cfg.AMQPURL != "" {
		sender, err := newSender(cfg)
		if err != nil {
			return err
		}
		_, collector := newRegistry()
		consumer, err := notify.NewConsumer(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, sender, slog.Default(), notify.ConsumerOptions{
			MaxAttempts: cfg.NotifyMaxAttempts,
			Observer:    collector,
		})
		if err != nil {
			return fmt.Errorf("failed to start notification consumer: %w", err)
		}
		defer consumer.Close()

		go func() {
			consumerErr <- consumer.Run(ctx)
		}()
		slog.Info("notification consumer started", slog.String("queue", cfg.AMQPQueue))
	}

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cleanupInterval),
		slog.Int("webhook_event_retention_days", cfg.WebhookEventRetentionDays),
	)

	go cleanupJob.RunDaily(ctx, cleanupInterval)

	select {
	case <-ctx.Done():
	case err := <-consumerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("notification consumer stopped: %w", err)
		}
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はすべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
