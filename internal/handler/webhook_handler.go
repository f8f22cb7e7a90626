package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/studiobook/internal/billing"
	"github.com/hitoshi/studiobook/internal/model"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	// 署名検証の前に読み込む上限。明細の多いinvoiceイベントも収まる大きさにする。
	maxWebhookBodyBytes = 512 << 10
)

// WebhookReconciler は決済サービスからのイベントを照合する。
type WebhookReconciler interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) billing.Outcome
}

// WebhookHandler は決済サービスのWebhookを受け付ける。
type WebhookHandler struct {
	reconciler WebhookReconciler
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(reconciler WebhookReconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// Stripe はStripeのWebhookを処理する。
// 500を返した場合は決済サービス側で再送される。
// POST /webhooks/stripe
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		slog.Warn("failed to read webhook body", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMalformedPayloadError("ボディを読み取れません"))
		return
	}

	outcome := h.reconciler.Handle(r.Context(), payload, r.Header.Get(stripeSignatureHeader))
	writeJSON(w, outcome.HTTPStatus(), map[string]string{"outcome": string(outcome)})
}
