package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/studiobook/internal/membership"
	"github.com/hitoshi/studiobook/internal/model"
	"github.com/hitoshi/studiobook/internal/payment"
)

func TestMembershipHandler_Status(t *testing.T) {
	until := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	svc := &mockMembershipService{
		statusFn: func(ctx context.Context, userID string) (*membership.Status, error) {
			if userID == "user-1" {
				return &membership.Status{
					Membership: &model.Membership{UserID: userID, PlanID: "monthly", Credits: 40, ValidUntil: &until},
					Plan:       &model.Plan{ID: "monthly", Name: "Monthly"},
					HasAccess:  true,
				}, nil
			}
			return &membership.Status{}, nil
		},
	}
	h := NewMembershipHandler(svc)

	w := httptest.NewRecorder()
	h.Status(w, asUser(httptest.NewRequest(http.MethodGet, "/api/membership", nil), testMember))
	var resp membershipResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || !resp.HasAccess || resp.Credits != 40 || resp.PlanName != "Monthly" || resp.Active || resp.Subscribed {
		t.Errorf("status = %d, resp = %+v", w.Code, resp)
	}

	w = httptest.NewRecorder()
	h.Status(w, asUser(httptest.NewRequest(http.MethodGet, "/api/membership", nil), &model.User{ID: "guest-1", Role: model.RoleGuest}))
	resp = membershipResponse{}
	json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp.HasAccess || resp.PlanID != "" {
		t.Errorf("no membership: status = %d, resp = %+v", w.Code, resp)
	}
}

func TestMembershipHandler_Checkout(t *testing.T) {
	svc := &mockMembershipService{
		startCheckoutFn: func(ctx context.Context, userID, planID string) (*payment.CheckoutLink, error) {
			if planID == "retired" {
				return nil, model.NewPlanNotFoundError(planID)
			}
			return &payment.CheckoutLink{SessionID: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil
		},
	}
	h := NewMembershipHandler(svc)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"ok", `{"plan_id":"monthly"}`, http.StatusOK},
		{"missing plan", `{}`, http.StatusBadRequest},
		{"unknown plan", `{"plan_id":"retired"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.Checkout(w, asUser(httptest.NewRequest(http.MethodPost, "/api/membership/checkout", strings.NewReader(tt.body)), testMember))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				var resp map[string]string
				json.NewDecoder(w.Body).Decode(&resp)
				if resp["checkout_url"] != "https://checkout.example.com/cs_1" {
					t.Errorf("response = %v", resp)
				}
			}
		})
	}
}

func TestMembershipHandler_Cancel(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"canceled", nil, http.StatusOK},
		{"no subscription", model.NewMembershipNotFoundError(), http.StatusNotFound},
		{"gateway", model.NewGatewayError("cancel failed"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockMembershipService{
				cancelFn: func(ctx context.Context, userID string) (*model.Membership, error) {
					if tt.err != nil {
						return nil, tt.err
					}
					return &model.Membership{UserID: userID, Credits: 12}, nil
				},
			}
			w := httptest.NewRecorder()
			NewMembershipHandler(svc).Cancel(w, asUser(httptest.NewRequest(http.MethodDelete, "/api/membership", nil), testMember))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestMembershipHandler_Plans(t *testing.T) {
	svc := &mockMembershipService{
		plansFn: func(ctx context.Context) ([]*model.Plan, error) {
			return []*model.Plan{{ID: "monthly", Name: "Monthly", PriceID: "price_secret", Credits: 100, Active: true}}, nil
		},
	}
	w := httptest.NewRecorder()
	NewMembershipHandler(svc).Plans(w, httptest.NewRequest(http.MethodGet, "/api/plans", nil))

	if strings.Contains(w.Body.String(), "price_secret") {
		t.Error("gateway price id should not be exposed")
	}
	var resp []planResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp) != 1 || resp[0].Credits != 100 {
		t.Errorf("response = %+v", resp)
	}
}

func TestMembershipHandler_Portal(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"ok", nil, http.StatusOK},
		{"never subscribed", model.NewMembershipNotFoundError(), http.StatusNotFound},
		{"gateway", model.NewGatewayError("create portal session"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser string
			svc := &mockMembershipService{
				portalLinkFn: func(ctx context.Context, userID string) (string, error) {
					gotUser = userID
					if tt.err != nil {
						return "", tt.err
					}
					return "https://billing.example.com/p/session_1", nil
				},
			}
			w := httptest.NewRecorder()
			NewMembershipHandler(svc).Portal(w, asUser(httptest.NewRequest(http.MethodPost, "/api/membership/portal", nil), testMember))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotUser != testMember.ID {
				t.Errorf("userID = %q, want %q", gotUser, testMember.ID)
			}
			if tt.wantStatus == http.StatusOK {
				var resp map[string]string
				json.NewDecoder(w.Body).Decode(&resp)
				if resp["portal_url"] != "https://billing.example.com/p/session_1" {
					t.Errorf("response = %v", resp)
				}
			}
		})
	}
}
