package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studiobook/internal/model"
)

// InviteServiceInterface は招待ハンドラーが必要とするサービスインターフェース。
type InviteServiceInterface interface {
	Issue(ctx context.Context, adminID, email string, role model.Role) (*model.Invite, error)
	Accept(ctx context.Context, token, userID string) (*model.User, error)
}

// InviteHandler は招待のHTTPハンドラー。
type InviteHandler struct {
	service InviteServiceInterface
}

// NewInviteHandler はInviteHandlerを生成する。
func NewInviteHandler(service InviteServiceInterface) *InviteHandler {
	return &InviteHandler{service: service}
}

type issueInviteBody struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// トークンは招待メールでのみ本人に渡すため、レスポンスには含めない。
type inviteResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue は招待を発行する。
// POST /api/invites
func (h *InviteHandler) Issue(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body issueInviteBody
	if !decodeJSON(w, r, &body) {
		return
	}
	inv, err := h.service.Issue(r.Context(), admin.ID, body.Email, model.Role(body.Role))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inviteResponse{
		ID:        inv.ID,
		Email:     inv.Email,
		Role:      string(inv.Role),
		ExpiresAt: inv.ExpiresAt,
	})
}

// Accept はログインユーザーとして招待を受諾する。
// POST /api/invites/{token}/accept
func (h *InviteHandler) Accept(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	updated, err := h.service.Accept(r.Context(), chi.URLParam(r, "token"), user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(updated))
}
