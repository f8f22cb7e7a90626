package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/hitoshi/studiobook/internal/model"
)

// expandableID は文字列IDと、展開済みオブジェクト（{"id": ...}）のどちらでも受け付ける。
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type rawObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Subscription      expandableID      `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func kindOf(eventType string) Kind {
	switch k := Kind(eventType); k {
	case KindCheckoutCompleted, KindInvoicePaid, KindInvoiceFailed, KindSubscriptionCanceled, KindSubscriptionUpdated:
		return k
	case "invoice.paid":
		return KindInvoicePaid
	}
	return KindUnknown
}

// parseEvent はWebhookの署名を検証し、イベントをデコードする。
// APIバージョンの不一致は許容する（data.objectは必要なフィールドだけを読む）。
func parseEvent(payload []byte, header, secret string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, model.NewInvalidSignatureError()
		}
		return nil, model.NewMalformedPayloadError(err.Error())
	}
	if ev.ID == "" || ev.Type == "" || ev.Data == nil {
		return nil, model.NewMalformedPayloadError("id, type, data.object は必須です")
	}

	var obj rawObject
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return nil, model.NewMalformedPayloadError(fmt.Sprintf("data.object のデコードに失敗しました: %v", err))
	}

	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Kind:    kindOf(string(ev.Type)),
		Created: time.Unix(ev.Created, 0),
		Object: Object{
			ID:                obj.ID,
			Subscription:      string(obj.Subscription),
			Metadata:          obj.Metadata,
			CurrentPeriodEnd:  obj.CurrentPeriodEnd,
			CancelAtPeriodEnd: obj.CancelAtPeriodEnd,
			CustomerEmail:     obj.CustomerEmail,
		},
	}
	if out.Object.CustomerEmail == "" && obj.CustomerDetails != nil {
		out.Object.CustomerEmail = obj.CustomerDetails.Email
	}
	// サブスクリプションオブジェクト自身のイベントではオブジェクトIDがサブスクリプションID
	if out.Object.Subscription == "" && obj.Object == "subscription" {
		out.Object.Subscription = obj.ID
	}
	if out.Object.Metadata == nil {
		out.Object.Metadata = map[string]string{}
	}
	return out, nil
}

func isSignatureError(err error) bool {
	switch err {
	case webhook.ErrNotSigned, webhook.ErrInvalidHeader, webhook.ErrNoValidSignature, webhook.ErrTooOld:
		return true
	}
	return false
}
