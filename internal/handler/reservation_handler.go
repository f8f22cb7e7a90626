package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studiobook/internal/calendar"
	"github.com/hitoshi/studiobook/internal/model"
	"github.com/hitoshi/studiobook/internal/reservation"
)

// ReservationServiceInterface は予約ハンドラーが必要とするサービスインターフェース。
type ReservationServiceInterface interface {
	Submit(ctx context.Context, in reservation.SubmitInput) (*model.PendingRequest, error)
	Decide(ctx context.Context, id string, decision model.Decision, suggestedTimes string) (*model.PendingRequest, error)
	RetryPaymentLink(ctx context.Context, id string) (*model.PendingRequest, error)
	InstantBook(ctx context.Context, userID, date string, hours []int, notes string) ([]*model.BookedSession, error)
	CancelSession(ctx context.Context, sessionID, userID string) error
	DaySchedule(ctx context.Context, date string) ([]calendar.Slot, error)
	MonthOverview(ctx context.Context, year, month int) ([]calendar.DayInfo, error)
	ListMySessions(ctx context.Context, userID string) ([]*model.BookedSession, error)
	ListRequests(ctx context.Context, status string) ([]*model.PendingRequest, error)
}

// ReservationHandler は予約リクエスト・即時予約・スケジュールのHTTPハンドラー。
type ReservationHandler struct {
	service ReservationServiceInterface
}

// NewReservationHandler はReservationHandlerを生成する。
func NewReservationHandler(service ReservationServiceInterface) *ReservationHandler {
	return &ReservationHandler{service: service}
}

type submitRequestBody struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Date      string `json:"date"`
	StartHour int    `json:"start_hour"`
	Hours     int    `json:"hours"`
	Notes     string `json:"notes"`
}

type decisionBody struct {
	Decision       string `json:"decision"`
	SuggestedTimes string `json:"suggested_times"`
}

type instantBookBody struct {
	Date  string `json:"date"`
	Hours []int  `json:"hours"`
	Notes string `json:"notes"`
}

type requestResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	Date           string    `json:"date"`
	StartHour      int       `json:"start_hour"`
	Hours          int       `json:"hours"`
	Notes          string    `json:"notes"`
	Status         string    `json:"status"`
	SuggestedTimes string    `json:"suggested_times,omitempty"`
	PaymentLinkURL string    `json:"payment_link_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type sessionResponse struct {
	ID        string `json:"id"`
	Date      string `json:"date"`
	StartHour int    `json:"start_hour"`
	Duration  int    `json:"duration"`
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
}

type slotResponse struct {
	Hour  int    `json:"hour"`
	State string `json:"state"`
}

// SubmitRequest は予約リクエストを受け付ける。未入力の連絡先はアカウント情報で補う。
// POST /api/requests
func (h *ReservationHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body submitRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	req, err := h.service.Submit(r.Context(), reservation.SubmitInput{
		Requester: model.Requester{
			UserID: user.ID,
			Name:   body.Name,
			Email:  body.Email,
			Phone:  body.Phone,
		},
		Date:      body.Date,
		StartHour: body.StartHour,
		Hours:     body.Hours,
		Notes:     body.Notes,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(req))
}

// ListRequests はオペレーター向けに予約リクエストを返す。
// GET /api/requests?status=pending
func (h *ReservationHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.service.ListRequests(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	out := make([]requestResponse, len(reqs))
	for i, req := range reqs {
		out[i] = toRequestResponse(req)
	}
	writeJSON(w, http.StatusOK, out)
}

// Decide は予約リクエストを承認または却下する。
// POST /api/requests/{id}/decision
func (h *ReservationHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := h.service.Decide(r.Context(), chi.URLParam(r, "id"), model.Decision(body.Decision), body.SuggestedTimes)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// RetryPaymentLink は承認済みリクエストの決済リンクを再送する。
// POST /api/requests/{id}/payment-link
func (h *ReservationHandler) RetryPaymentLink(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.RetryPaymentLink(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// InstantBook はクレジットで複数枠を即時予約する。
// POST /api/bookings
func (h *ReservationHandler) InstantBook(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body instantBookBody
	if !decodeJSON(w, r, &body) {
		return
	}
	sessions, err := h.service.InstantBook(r.Context(), user.ID, body.Date, body.Hours, body.Notes)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponses(sessions))
}

// ListMySessions はログインユーザーの今後の予約を返す。
// GET /api/bookings
func (h *ReservationHandler) ListMySessions(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	sessions, err := h.service.ListMySessions(r.Context(), user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponses(sessions))
}

// CancelSession は自分の予約をキャンセルする。
// DELETE /api/bookings/{id}
func (h *ReservationHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelSession(r.Context(), chi.URLParam(r, "id"), user.ID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Schedule は指定日の時間ごとの空き状況を返す。
// GET /api/schedule?date=YYYY-MM-DD
func (h *ReservationHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	slots, err := h.service.DaySchedule(r.Context(), date)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	out := make([]slotResponse, len(slots))
	for i, s := range slots {
		out[i] = slotResponse{Hour: s.Hour, State: string(s.State)}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":  date,
		"slots": out,
	})
}

type calendarDayResponse struct {
	Date    string `json:"date"`
	InRange bool   `json:"in_range"`
}

// Calendar は月間の予約可能日を返す。
// GET /api/calendar?year=YYYY&month=M（省略時は当月）
func (h *ReservationHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	year, okYear := queryInt(r, "year")
	month, okMonth := queryInt(r, "month")
	if !okYear || !okMonth {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("year と month は数値で指定してください"))
		return
	}
	days, err := h.service.MonthOverview(r.Context(), year, month)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	out := make([]calendarDayResponse, len(days))
	for i, d := range days {
		out[i] = calendarDayResponse{Date: d.Date.Format(model.DateLayout), InRange: d.InRange}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": out})
}

// queryInt はクエリパラメータを整数として読む。未指定は0。
func queryInt(r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func toRequestResponse(req *model.PendingRequest) requestResponse {
	return requestResponse{
		ID:             req.ID,
		Name:           req.Requester.Name,
		Email:          req.Requester.Email,
		Phone:          req.Requester.Phone,
		Date:           req.Date.Format(model.DateLayout),
		StartHour:      req.StartHour,
		Hours:          req.Hours,
		Notes:          req.Notes,
		Status:         string(req.Status),
		SuggestedTimes: req.SuggestedTimes,
		PaymentLinkURL: req.PaymentLinkURL,
		CreatedAt:      req.CreatedAt,
	}
}

func toSessionResponses(sessions []*model.BookedSession) []sessionResponse {
	out := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		out[i] = sessionResponse{
			ID:        s.ID,
			Date:      s.Date.Format(model.DateLayout),
			StartHour: s.StartHour,
			Duration:  s.Duration,
			Status:    string(s.Status),
			Notes:     s.Notes,
		}
	}
	return out
}
