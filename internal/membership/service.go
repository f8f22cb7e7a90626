// Package membership はメンバーシップの利用可否判定と、購入・解約の操作を提供する。
// 決済サービス側の状態変化の反映はbillingパッケージが行う。
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/studiobook/internal/calendar"
	"github.com/hitoshi/studiobook/internal/model"
	"github.com/hitoshi/studiobook/internal/notify"
	"github.com/hitoshi/studiobook/internal/payment"
	"github.com/hitoshi/studiobook/internal/repository"
)

// Deps はServiceの依存。
type Deps struct {
	Memberships repository.MembershipRepository
	Plans       repository.PlanRepository
	Users       repository.UserRepository
	Gateway     payment.Gateway
	Notifier    notify.Dispatcher
	Clock       calendar.Clock
	Logger      *slog.Logger
}

// Service はメンバーシップのサービス層。
type Service struct {
	memberships repository.MembershipRepository
	plans       repository.PlanRepository
	users       repository.UserRepository
	gateway     payment.Gateway
	notifier    notify.Dispatcher
	clock       calendar.Clock
	logger      *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		memberships: deps.Memberships,
		plans:       deps.Plans,
		users:       deps.Users,
		gateway:     deps.Gateway,
		notifier:    deps.Notifier,
		clock:       deps.Clock,
		logger:      logger,
	}
}

// Status はアカウントのメンバーシップ状態。メンバーシップがない場合Membershipはnil。
type Status struct {
	Membership *model.Membership
	Plan       *model.Plan
	HasAccess  bool
}

// HasAccess はasOf時点でユーザーがメンバー機能を利用できるかを返す。
// メンバーシップがなければfalse。
func (s *Service) HasAccess(ctx context.Context, userID string, asOf time.Time) (bool, error) {
	m, err := s.memberships.FindByUserID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	return m.HasAccess(asOf), nil
}

// Status はユーザーのメンバーシップ状態を返す。
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	m, err := s.memberships.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	if m == nil {
		return &Status{}, nil
	}

	st := &Status{Membership: m, HasAccess: m.HasAccess(s.clock.Now())}
	if m.PlanID != "" {
		plan, err := s.plans.FindByID(ctx, m.PlanID)
		if err != nil {
			return nil, fmt.Errorf("プランの取得に失敗しました: %w", err)
		}
		st.Plan = plan
	}
	return st, nil
}

// Plans は販売中のプラン一覧を返す。
func (s *Service) Plans(ctx context.Context) ([]*model.Plan, error) {
	plans, err := s.plans.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("プラン一覧の取得に失敗しました: %w", err)
	}
	return plans, nil
}

// StartCheckout はメンバーシップ購入のチェックアウトを作成する。
// 決済サービス側の顧客がまだなければ作成してユーザーに保存する。
// 請求日は翌月1日に揃える。
func (s *Service) StartCheckout(ctx context.Context, userID, planID string) (*payment.CheckoutLink, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	plan, err := s.plans.FindByID(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("プランの取得に失敗しました: %w", err)
	}
	if plan == nil || !plan.Active {
		return nil, model.NewPlanNotFoundError(planID)
	}

	current, err := s.memberships.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	if current != nil && current.Active && current.SubscriptionID != "" {
		return nil, model.NewInvalidRequestError("メンバーシップは既に有効です")
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	link, err := s.gateway.CreateMembershipCheckout(ctx, payment.MembershipCheckout{
		UserID:        user.ID,
		PlanID:        plan.ID,
		PriceID:       plan.PriceID,
		CustomerID:    customerID,
		Email:         user.Email,
		BillingAnchor: payment.NextBillingAnchor(s.clock.Now()),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("membership checkout created",
		slog.String("user_id", user.ID),
		slog.String("plan_id", plan.ID),
		slog.String("checkout_session_id", link.SessionID),
	)
	return link, nil
}

func (s *Service) ensureCustomer(ctx context.Context, user *model.User) (string, error) {
	if user.StripeCustomerID != "" {
		return user.StripeCustomerID, nil
	}
	customerID, err := s.gateway.CreateCustomer(ctx, user.Email, user.Name)
	if err != nil {
		return "", err
	}
	if err := s.users.SetStripeCustomerID(ctx, user.ID, customerID); err != nil {
		return "", fmt.Errorf("顧客IDの保存に失敗しました: %w", err)
	}
	return customerID, nil
}

// PortalLink は支払い方法や請求履歴を管理するカスタマーポータルのURLを返す。
// 決済サービス側の顧客がまだ存在しない場合はMEMBERSHIP_NOT_FOUND。
func (s *Service) PortalLink(ctx context.Context, userID string) (string, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return "", model.NewUserNotFoundError()
	}
	if user.StripeCustomerID == "" {
		return "", model.NewMembershipNotFoundError()
	}
	return s.gateway.CreatePortalSession(ctx, user.StripeCustomerID, "")
}

// Cancel はユーザー操作でサブスクリプションを即時解約する。
// 決済サービス側の解約に成功した場合のみローカルの状態を更新する。
func (s *Service) Cancel(ctx context.Context, userID string) (*model.Membership, error) {
	m, err := s.memberships.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	if m == nil || m.SubscriptionID == "" {
		return nil, model.NewMembershipNotFoundError()
	}

	if err := s.gateway.CancelSubscription(ctx, m.SubscriptionID); err != nil {
		return nil, err
	}

	updated, err := s.memberships.CancelByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの解約に失敗しました: %w", err)
	}
	if updated == nil {
		return nil, model.NewMembershipNotFoundError()
	}

	s.logger.Info("membership canceled by user",
		slog.String("user_id", userID),
		slog.String("subscription_id", m.SubscriptionID),
	)

	user, err := s.users.FindByID(ctx, userID)
	if err != nil || user == nil {
		s.logger.Warn("notification recipient not found", slog.String("user_id", userID), slog.Any("error", err))
		return updated, nil
	}
	s.notifier.Dispatch(ctx, notify.Message{
		Kind: notify.KindMembershipCanceled,
		To:   []string{user.Email},
		Data: map[string]string{"name": user.Name},
	})
	return updated, nil
}
