package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/studiobook/internal/model"
)

func TestHandleServiceError_WrappedAPIError(t *testing.T) {
	w := httptest.NewRecorder()
	handleServiceError(w, fmt.Errorf("approve: %w", model.NewSlotConflictError("2025-03-01", []int{14})))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if body := decodeAPIError(t, w); body.Code != model.ErrCodeSlotConflict {
		t.Errorf("code = %q", body.Code)
	}
}

func TestHandleServiceError_FaultHidesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	handleServiceError(w, errors.New("pq: password authentication failed for user studiobook"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Error("internal error details leaked to the client")
	}
	if body := decodeAPIError(t, w); body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q", body.Code)
	}
}

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *model.APIError
		want int
	}{
		{model.NewRequestNotFoundError("x"), http.StatusNotFound},
		{model.NewMembershipNotFoundError(), http.StatusNotFound},
		{model.NewInvalidTransitionError("paid", "approved"), http.StatusConflict},
		{model.NewInsufficientCreditsError(0, 1), http.StatusPaymentRequired},
		{model.NewNoMembershipAccessError(), http.StatusForbidden},
		{model.NewInvalidSignatureError(), http.StatusBadRequest},
		{model.NewMalformedPayloadError("x"), http.StatusBadRequest},
		{model.NewGatewayError("x"), http.StatusBadGateway},
		{model.NewInvalidSlotError("x"), http.StatusBadRequest},
		{model.NewInviteExpiredError(), http.StatusGone},
		{model.NewInviteActiveError("a@example.com"), http.StatusConflict},
		{model.NewRateLimitedError(), http.StatusTooManyRequests},
		{&model.APIError{Code: "SOMETHING_NEW"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if got := mapAPIErrorToHTTPStatus(tt.err); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}
