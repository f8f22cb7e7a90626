package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studiobook/internal/calendar"
	"github.com/hitoshi/studiobook/internal/middleware"
	"github.com/hitoshi/studiobook/internal/model"
	"github.com/hitoshi/studiobook/internal/reservation"
)

var testMember = &model.User{ID: "user-1", Email: "crew@example.com", Name: "Crew", Role: model.RoleMember}

// asUser はログイン済みユーザーをコンテキストに注入したリクエストを返す。
func asUser(req *http.Request, user *model.User) *http.Request {
	return req.WithContext(middleware.ContextWithUser(req.Context(), user))
}

// withURLParam はchiのURLパラメータを設定したリクエストを返す。
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeAPIError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func sampleRequest(status model.RequestStatus) *model.PendingRequest {
	return &model.PendingRequest{
		ID:        "00000000-0000-0000-0000-000000000001",
		Requester: model.Requester{UserID: "user-1", Name: "Crew", Email: "crew@example.com"},
		Date:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		StartHour: 14,
		Hours:     2,
		Status:    status,
	}
}

func TestReservationHandler_SubmitRequest(t *testing.T) {
	var got reservation.SubmitInput
	svc := &mockReservationService{
		submitFn: func(ctx context.Context, in reservation.SubmitInput) (*model.PendingRequest, error) {
			got = in
			return sampleRequest(model.RequestStatusPending), nil
		},
	}
	h := NewReservationHandler(svc)

	body := `{"date":"2025-03-01","start_hour":14,"hours":2,"notes":"drum kit"}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/requests", strings.NewReader(body)), testMember)
	w := httptest.NewRecorder()
	h.SubmitRequest(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if got.Requester.UserID != "user-1" || got.Date != "2025-03-01" || got.StartHour != 14 || got.Hours != 2 || got.Notes != "drum kit" {
		t.Errorf("input = %+v", got)
	}
	var resp requestResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "pending" || resp.Date != "2025-03-01" {
		t.Errorf("response = %+v", resp)
	}
}

func TestReservationHandler_SubmitRequest_BadInput(t *testing.T) {
	svc := &mockReservationService{
		submitFn: func(ctx context.Context, in reservation.SubmitInput) (*model.PendingRequest, error) {
			return nil, model.NewInvalidSlotError("過去の日付です")
		},
	}
	h := NewReservationHandler(svc)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"malformed json", `{"date":`, model.ErrCodeInvalidRequest},
		{"unknown field", `{"date":"2025-03-01","price":0}`, model.ErrCodeInvalidRequest},
		{"invalid slot", `{"date":"2020-01-01","start_hour":14,"hours":1}`, model.ErrCodeInvalidSlot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := asUser(httptest.NewRequest(http.MethodPost, "/api/requests", strings.NewReader(tt.body)), testMember)
			w := httptest.NewRecorder()
			h.SubmitRequest(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if body := decodeAPIError(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestReservationHandler_Decide(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"approved", nil, http.StatusOK},
		{"slot conflict", model.NewSlotConflictError("2025-03-01", []int{14}), http.StatusConflict},
		{"already decided", model.NewInvalidTransitionError("declined", "approved"), http.StatusConflict},
		{"not found", model.NewRequestNotFoundError("x"), http.StatusNotFound},
		{"gateway down", model.NewGatewayError("timeout"), http.StatusBadGateway},
		{"db fault", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockReservationService{
				decideFn: func(ctx context.Context, id string, d model.Decision, s string) (*model.PendingRequest, error) {
					if id != "req-1" || d != model.DecisionApprove {
						t.Errorf("Decide(%q, %q)", id, d)
					}
					if tt.err != nil {
						return nil, tt.err
					}
					return sampleRequest(model.RequestStatusApproved), nil
				},
			}
			h := NewReservationHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/requests/req-1/decision", strings.NewReader(`{"decision":"approve"}`))
			w := httptest.NewRecorder()
			h.Decide(w, withURLParam(req, "id", "req-1"))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestReservationHandler_Decide_DeclinePassesSuggestions(t *testing.T) {
	svc := &mockReservationService{
		decideFn: func(ctx context.Context, id string, d model.Decision, s string) (*model.PendingRequest, error) {
			if d != model.DecisionDecline || s != "Sat 3pm" {
				t.Errorf("Decide(%q, %q)", d, s)
			}
			r := sampleRequest(model.RequestStatusDeclined)
			r.SuggestedTimes = s
			return r, nil
		},
	}
	h := NewReservationHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"decision":"decline","suggested_times":"Sat 3pm"}`))
	w := httptest.NewRecorder()
	h.Decide(w, withURLParam(req, "id", "req-1"))

	var resp requestResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "declined" || resp.SuggestedTimes != "Sat 3pm" {
		t.Errorf("response = %+v", resp)
	}
}

func TestReservationHandler_InstantBook(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"booked", nil, http.StatusCreated},
		{"no credits", model.NewInsufficientCreditsError(1, 2), http.StatusPaymentRequired},
		{"no access", model.NewNoMembershipAccessError(), http.StatusForbidden},
		{"conflict", model.NewSlotConflictError("2025-03-01", []int{10}), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockReservationService{
				instantBookFn: func(ctx context.Context, userID, date string, hours []int, notes string) ([]*model.BookedSession, error) {
					if userID != "user-1" || date != "2025-03-01" || len(hours) != 2 {
						t.Errorf("InstantBook(%q, %q, %v)", userID, date, hours)
					}
					if tt.err != nil {
						return nil, tt.err
					}
					d := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
					return []*model.BookedSession{
						{ID: "s1", UserID: userID, Date: d, StartHour: 10, Duration: 1, Status: model.SessionStatusBooked},
						{ID: "s2", UserID: userID, Date: d, StartHour: 11, Duration: 1, Status: model.SessionStatusBooked},
					}, nil
				},
			}
			h := NewReservationHandler(svc)

			req := asUser(httptest.NewRequest(http.MethodPost, "/api/bookings", strings.NewReader(`{"date":"2025-03-01","hours":[10,11]}`)), testMember)
			w := httptest.NewRecorder()
			h.InstantBook(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.err == nil {
				var resp []sessionResponse
				json.NewDecoder(w.Body).Decode(&resp)
				if len(resp) != 2 || resp[0].Status != "booked" {
					t.Errorf("response = %+v", resp)
				}
			}
		})
	}
}

func TestReservationHandler_CancelSession(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"canceled", nil, http.StatusNoContent},
		{"not owner", model.NewForbiddenError(), http.StatusForbidden},
		{"started", model.NewInvalidTransitionError("booked", "canceled"), http.StatusConflict},
		{"missing", model.NewSessionNotFoundError("s9"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockReservationService{
				cancelSessionFn: func(ctx context.Context, sessionID, userID string) error {
					if sessionID != "s1" || userID != "user-1" {
						t.Errorf("CancelSession(%q, %q)", sessionID, userID)
					}
					return tt.err
				},
			}
			h := NewReservationHandler(svc)

			req := asUser(httptest.NewRequest(http.MethodDelete, "/api/bookings/s1", nil), testMember)
			w := httptest.NewRecorder()
			h.CancelSession(w, withURLParam(req, "id", "s1"))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestReservationHandler_Schedule(t *testing.T) {
	svc := &mockReservationService{
		dayScheduleFn: func(ctx context.Context, date string) ([]calendar.Slot, error) {
			return []calendar.Slot{
				{Hour: 22, State: model.SlotAvailable},
				{Hour: 23, State: model.SlotReserved},
			}, nil
		},
	}
	h := NewReservationHandler(svc)

	w := httptest.NewRecorder()
	h.Schedule(w, httptest.NewRequest(http.MethodGet, "/api/schedule?date=2025-03-01", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Date  string         `json:"date"`
		Slots []slotResponse `json:"slots"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Date != "2025-03-01" || len(resp.Slots) != 2 || resp.Slots[1].State != "reserved" {
		t.Errorf("response = %+v", resp)
	}
}

func TestReservationHandler_Calendar(t *testing.T) {
	var gotYear, gotMonth int
	svc := &mockReservationService{
		monthOverviewFn: func(ctx context.Context, year, month int) ([]calendar.DayInfo, error) {
			gotYear, gotMonth = year, month
			return []calendar.DayInfo{
				{Date: time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC), InRange: true},
				{Date: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), InRange: false},
			}, nil
		},
	}
	h := NewReservationHandler(svc)

	w := httptest.NewRecorder()
	h.Calendar(w, httptest.NewRequest(http.MethodGet, "/api/calendar?year=2025&month=4", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotYear != 2025 || gotMonth != 4 {
		t.Errorf("service called with %d/%d", gotYear, gotMonth)
	}
	var resp struct {
		Days []calendarDayResponse `json:"days"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Days) != 2 || resp.Days[0].Date != "2025-04-30" || !resp.Days[0].InRange || resp.Days[1].InRange {
		t.Errorf("response = %+v", resp)
	}
}

func TestReservationHandler_Calendar_InvalidQuery(t *testing.T) {
	h := NewReservationHandler(&mockReservationService{})

	w := httptest.NewRecorder()
	h.Calendar(w, httptest.NewRequest(http.MethodGet, "/api/calendar?year=abc", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestReservationHandler_ListRequests_InvalidStatus(t *testing.T) {
	svc := &mockReservationService{
		listRequestsFn: func(ctx context.Context, status string) ([]*model.PendingRequest, error) {
			if status == "bogus" {
				return nil, model.NewInvalidRequestError("不明なステータスです")
			}
			return []*model.PendingRequest{sampleRequest(model.RequestStatus(status))}, nil
		},
	}
	h := NewReservationHandler(svc)

	w := httptest.NewRecorder()
	h.ListRequests(w, httptest.NewRequest(http.MethodGet, "/api/requests?status=bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	h.ListRequests(w, httptest.NewRequest(http.MethodGet, "/api/requests?status=pending", nil))
	var resp []requestResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || len(resp) != 1 {
		t.Errorf("status = %d, resp = %+v", w.Code, resp)
	}
}

func TestReservationHandler_RequiresUser(t *testing.T) {
	h := NewReservationHandler(&mockReservationService{})
	w := httptest.NewRecorder()
	h.ListMySessions(w, httptest.NewRequest(http.MethodGet, "/api/bookings", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
