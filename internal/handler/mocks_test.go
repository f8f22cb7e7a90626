package handler

import (
	"context"

	"github.com/hitoshi/studiobook/internal/auth"
	"github.com/hitoshi/studiobook/internal/billing"
	"github.com/hitoshi/studiobook/internal/calendar"
	"github.com/hitoshi/studiobook/internal/invite"
	"github.com/hitoshi/studiobook/internal/membership"
	"github.com/hitoshi/studiobook/internal/model"
	"github.com/hitoshi/studiobook/internal/payment"
	"github.com/hitoshi/studiobook/internal/reservation"
)

type mockReservationService struct {
	submitFn           func(ctx context.Context, in reservation.SubmitInput) (*model.PendingRequest, error)
	decideFn           func(ctx context.Context, id string, decision model.Decision, suggested string) (*model.PendingRequest, error)
	retryPaymentLinkFn func(ctx context.Context, id string) (*model.PendingRequest, error)
	instantBookFn      func(ctx context.Context, userID, date string, hours []int, notes string) ([]*model.BookedSession, error)
	cancelSessionFn    func(ctx context.Context, sessionID, userID string) error
	dayScheduleFn      func(ctx context.Context, date string) ([]calendar.Slot, error)
	monthOverviewFn    func(ctx context.Context, year, month int) ([]calendar.DayInfo, error)
	listMySessionsFn   func(ctx context.Context, userID string) ([]*model.BookedSession, error)
	listRequestsFn     func(ctx context.Context, status string) ([]*model.PendingRequest, error)
}

func (m *mockReservationService) Submit(ctx context.Context, in reservation.SubmitInput) (*model.PendingRequest, error) {
	return m.submitFn(ctx, in)
}
func (m *mockReservationService) Decide(ctx context.Context, id string, d model.Decision, s string) (*model.PendingRequest, error) {
	return m.decideFn(ctx, id, d, s)
}
func (m *mockReservationService) RetryPaymentLink(ctx context.Context, id string) (*model.PendingRequest, error) {
	return m.retryPaymentLinkFn(ctx, id)
}
func (m *mockReservationService) InstantBook(ctx context.Context, userID, date string, hours []int, notes string) ([]*model.BookedSession, error) {
	return m.instantBookFn(ctx, userID, date, hours, notes)
}
func (m *mockReservationService) CancelSession(ctx context.Context, sessionID, userID string) error {
	return m.cancelSessionFn(ctx, sessionID, userID)
}
func (m *mockReservationService) DaySchedule(ctx context.Context, date string) ([]calendar.Slot, error) {
	return m.dayScheduleFn(ctx, date)
}
func (m *mockReservationService) MonthOverview(ctx context.Context, year, month int) ([]calendar.DayInfo, error) {
	return m.monthOverviewFn(ctx, year, month)
}
func (m *mockReservationService) ListMySessions(ctx context.Context, userID string) ([]*model.BookedSession, error) {
	return m.listMySessionsFn(ctx, userID)
}
func (m *mockReservationService) ListRequests(ctx context.Context, status string) ([]*model.PendingRequest, error) {
	return m.listRequestsFn(ctx, status)
}

type mockMembershipService struct {
	statusFn        func(ctx context.Context, userID string) (*membership.Status, error)
	plansFn         func(ctx context.Context) ([]*model.Plan, error)
	startCheckoutFn func(ctx context.Context, userID, planID string) (*payment.CheckoutLink, error)
	cancelFn        func(ctx context.Context, userID string) (*model.Membership, error)
	portalLinkFn    func(ctx context.Context, userID string) (string, error)
}

func (m *mockMembershipService) Status(ctx context.Context, userID string) (*membership.Status, error) {
	return m.statusFn(ctx, userID)
}
func (m *mockMembershipService) Plans(ctx context.Context) ([]*model.Plan, error) {
	return m.plansFn(ctx)
}
func (m *mockMembershipService) StartCheckout(ctx context.Context, userID, planID string) (*payment.CheckoutLink, error) {
	return m.startCheckoutFn(ctx, userID, planID)
}
func (m *mockMembershipService) Cancel(ctx context.Context, userID string) (*model.Membership, error) {
	return m.cancelFn(ctx, userID)
}
func (m *mockMembershipService) PortalLink(ctx context.Context, userID string) (string, error) {
	return m.portalLinkFn(ctx, userID)
}

type mockInviteService struct {
	issueFn  func(ctx context.Context, adminID, email string, role model.Role) (*model.Invite, error)
	acceptFn func(ctx context.Context, token, userID string) (*model.User, error)
}

func (m *mockInviteService) Issue(ctx context.Context, adminID, email string, role model.Role) (*model.Invite, error) {
	return m.issueFn(ctx, adminID, email, role)
}
func (m *mockInviteService) Accept(ctx context.Context, token, userID string) (*model.User, error) {
	return m.acceptFn(ctx, token, userID)
}

type mockReconciler struct {
	handleFn func(ctx context.Context, payload []byte, sig string) billing.Outcome
}

func (m *mockReconciler) Handle(ctx context.Context, payload []byte, sig string) billing.Outcome {
	return m.handleFn(ctx, payload, sig)
}

var (
	_ ReservationServiceInterface = (*mockReservationService)(nil)
	_ MembershipServiceInterface  = (*mockMembershipService)(nil)
	_ InviteServiceInterface      = (*mockInviteService)(nil)
	_ WebhookReconciler           = (*mockReconciler)(nil)
)

var (
	_ AuthServiceInterface        = (*auth.Service)(nil)
	_ ReservationServiceInterface = (*reservation.Service)(nil)
	_ MembershipServiceInterface  = (*membership.Service)(nil)
	_ InviteServiceInterface      = (*invite.Service)(nil)
	_ WebhookReconciler           = (*billing.Reconciler)(nil)
)
