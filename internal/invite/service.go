// Package invite は管理者によるロール付き招待の発行と受諾を扱う。
package invite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/studiobook/internal/calendar"
	"github.com/hitoshi/studiobook/internal/model"
	"github.com/hitoshi/studiobook/internal/notify"
	"github.com/hitoshi/studiobook/internal/payment"
	"github.com/hitoshi/studiobook/internal/repository"
)

const tokenBytes = 32

// Config は招待の有効期間と招待URLの生成に使う設定。
type Config struct {
	BaseURL string
	TTL     time.Duration
}

// Deps はServiceの依存。Gatewayはnil可（受諾時の顧客作成を行わない）。
type Deps struct {
	Invites  repository.InviteRepository
	Users    repository.UserRepository
	Gateway  payment.Gateway
	Notifier notify.Dispatcher
	Clock    calendar.Clock
	Logger   *slog.Logger
}

// Service は招待のサービス層。
type Service struct {
	invites  repository.InviteRepository
	users    repository.UserRepository
	gateway  payment.Gateway
	notifier notify.Dispatcher
	clock    calendar.Clock
	logger   *slog.Logger
	cfg      Config
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		invites:  deps.Invites,
		users:    deps.Users,
		gateway:  deps.Gateway,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   logger,
		cfg:      cfg,
	}
}

// Issue はemail宛てにroleの招待を発行する。
// 未使用で期限内の招待が既にあればINVITE_ACTIVE、期限切れなら新しいトークンで再発行する。
func (s *Service) Issue(ctx context.Context, adminID, email string, role model.Role) (*model.Invite, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, model.NewInvalidRequestError("メールアドレスの形式が正しくありません")
	}
	email = addr.Address
	if !role.Valid() || role == model.RoleGuest {
		return nil, model.NewInvalidRequestError("招待できるロールは member, operator, admin のいずれかです")
	}

	now := s.clock.Now()
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(s.cfg.TTL)

	existing, err := s.invites.FindLatestUnusedByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("招待の取得に失敗しました: %w", err)
	}

	var inv *model.Invite
	switch {
	case existing != nil && existing.IsValid(now):
		return nil, model.NewInviteActiveError(email)
	case existing != nil:
		// 再発行時は今回指定されたロールで上書きする
		if err := s.invites.Reissue(ctx, existing.ID, token, role, expiresAt); err != nil {
			return nil, fmt.Errorf("招待の再発行に失敗しました: %w", err)
		}
		inv = existing
		inv.Token = token
		inv.Role = role
		inv.ExpiresAt = expiresAt
		s.logger.Info("invite reissued",
			slog.String("invite_id", inv.ID),
			slog.String("role", string(inv.Role)),
			slog.String("invited_by", adminID),
		)
	default:
		inv = &model.Invite{
			ID:        uuid.New().String(),
			Email:     email,
			Role:      role,
			Token:     token,
			InvitedBy: adminID,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		}
		if err := s.invites.Create(ctx, inv); err != nil {
			return nil, fmt.Errorf("招待の作成に失敗しました: %w", err)
		}
		s.logger.Info("invite issued",
			slog.String("invite_id", inv.ID),
			slog.String("role", string(inv.Role)),
			slog.String("invited_by", adminID),
		)
	}

	s.notifier.Dispatch(ctx, notify.Message{
		Kind: notify.KindInviteIssued,
		To:   []string{inv.Email},
		Data: map[string]string{
			"role":       string(inv.Role),
			"invite_url": strings.TrimRight(s.cfg.BaseURL, "/") + "/register/" + inv.Token,
			"expires_at": inv.ExpiresAt.Format("Jan 02, 2006"),
		},
	})
	return inv, nil
}

// Accept はログイン中のユーザーとして招待を受諾し、招待のロールを付与する。
// 既に招待より強いロールを持つ場合はロールを下げない。
func (s *Service) Accept(ctx context.Context, token, userID string) (*model.User, error) {
	inv, err := s.invites.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	if inv == nil {
		return nil, model.NewInviteNotFoundError()
	}
	if inv.Used {
		return nil, model.NewInviteUsedError()
	}
	if !s.clock.Now().Before(inv.ExpiresAt) {
		return nil, model.NewInviteExpiredError()
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	if !strings.EqualFold(user.Email, inv.Email) {
		return nil, model.NewInviteEmailMismatchError()
	}

	role := inv.Role
	if user.Role.AtLeast(role) {
		role = user.Role
	}
	if err := s.invites.Accept(ctx, inv.ID, user.ID, role); err != nil {
		return nil, err
	}
	user.Role = role

	s.logger.Info("invite accepted",
		slog.String("invite_id", inv.ID),
		slog.String("user_id", user.ID),
		slog.String("role", string(role)),
	)

	if user.StripeCustomerID == "" && s.gateway != nil {
		s.createCustomer(ctx, user)
	}
	return user, nil
}

// createCustomer は決済サービス側の顧客を作成する。失敗はログのみで受諾は取り消さない。
func (s *Service) createCustomer(ctx context.Context, user *model.User) {
	customerID, err := s.gateway.CreateCustomer(ctx, user.Email, user.Name)
	if err == nil {
		err = s.users.SetStripeCustomerID(ctx, user.ID, customerID)
	}
	if err != nil {
		s.logger.Warn("failed to create payment customer for invited user",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	user.StripeCustomerID = customerID
}

// generateToken は暗号論的乱数から64文字の16進トークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate invite token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
