package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/studiobook/internal/membership"
	"github.com/hitoshi/studiobook/internal/model"
	"github.com/hitoshi/studiobook/internal/payment"
)

// MembershipServiceInterface はメンバーシップハンドラーが必要とするサービスインターフェース。
type MembershipServiceInterface interface {
	Status(ctx context.Context, userID string) (*membership.Status, error)
	Plans(ctx context.Context) ([]*model.Plan, error)
	StartCheckout(ctx context.Context, userID, planID string) (*payment.CheckoutLink, error)
	Cancel(ctx context.Context, userID string) (*model.Membership, error)
	PortalLink(ctx context.Context, userID string) (string, error)
}

// MembershipHandler はメンバーシップとプランのHTTPハンドラー。
type MembershipHandler struct {
	service MembershipServiceInterface
}

// NewMembershipHandler はMembershipHandlerを生成する。
func NewMembershipHandler(service MembershipServiceInterface) *MembershipHandler {
	return &MembershipHandler{service: service}
}

type checkoutBody struct {
	PlanID string `json:"plan_id"`
}

type planResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Credits int    `json:"credits"`
}

type membershipResponse struct {
	PlanID          string     `json:"plan_id,omitempty"`
	PlanName        string     `json:"plan_name,omitempty"`
	Active          bool       `json:"active"`
	Credits         int        `json:"credits"`
	NextBillingDate *time.Time `json:"next_billing_date,omitempty"`
	ValidUntil      *time.Time `json:"valid_until,omitempty"`
	HasAccess       bool       `json:"has_access"`
	Subscribed      bool       `json:"subscribed"`
}

// Status はログインユーザーのメンバーシップ状態を返す。
// GET /api/membership
func (h *MembershipHandler) Status(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	st, err := h.service.Status(r.Context(), user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMembershipResponse(st.Membership, st.Plan, st.HasAccess))
}

// Checkout はメンバーシップ購入の決済ページURLを返す。
// POST /api/membership/checkout
func (h *MembershipHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body checkoutBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.PlanID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("プランを指定してください"))
		return
	}
	link, err := h.service.StartCheckout(r.Context(), user.ID, body.PlanID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkout_url": link.URL})
}

// Portal は支払い方法や請求履歴を管理するカスタマーポータルのURLを返す。
// POST /api/membership/portal
func (h *MembershipHandler) Portal(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	url, err := h.service.PortalLink(r.Context(), user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"portal_url": url})
}

// Cancel はメンバーシップを解約する。
// DELETE /api/membership
func (h *MembershipHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	m, err := h.service.Cancel(r.Context(), user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMembershipResponse(m, nil, m.HasAccess(time.Now())))
}

// Plans は販売中のプラン一覧を返す。
// GET /api/plans
func (h *MembershipHandler) Plans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.Plans(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	out := make([]planResponse, len(plans))
	for i, p := range plans {
		out[i] = planResponse{ID: p.ID, Name: p.Name, Credits: p.Credits}
	}
	writeJSON(w, http.StatusOK, out)
}

func toMembershipResponse(m *model.Membership, plan *model.Plan, hasAccess bool) membershipResponse {
	resp := membershipResponse{HasAccess: hasAccess}
	if plan != nil {
		resp.PlanName = plan.Name
	}
	if m == nil {
		return resp
	}
	resp.PlanID = m.PlanID
	resp.Active = m.Active
	resp.Credits = m.Credits
	resp.NextBillingDate = m.NextBillingDate
	resp.ValidUntil = m.ValidUntil
	resp.Subscribed = m.SubscriptionID != ""
	return resp
}
