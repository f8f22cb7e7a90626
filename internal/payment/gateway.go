// Package payment は決済サービスとの連携（チェックアウト作成、サブスクリプション操作、
// Webhookイベントの検証とデコード）を提供する。
package payment

import (
	"context"
	"time"
)

// Kind はWebhookイベントの種別。
type Kind string

const (
	KindCheckoutCompleted    Kind = "checkout.session.completed"
	KindInvoicePaid          Kind = "invoice.payment_succeeded"
	KindInvoiceFailed        Kind = "invoice.payment_failed"
	KindSubscriptionCanceled Kind = "customer.subscription.deleted"
	KindSubscriptionUpdated  Kind = "customer.subscription.updated"
	KindUnknown              Kind = ""
)

// メタデータのキー。チェックアウト作成時に埋め込み、Webhookでそのまま戻ってくる。
const (
	MetaReservationID = "reservation_id"
	MetaUserID        = "user_id"
	MetaPlanID        = "plan_id"
)

// Event は署名検証済みのWebhookイベント。
type Event struct {
	ID      string
	Type    string // 決済サービス上のイベント種別の原文
	Kind    Kind
	Object  Object
	Created time.Time
}

// Object はイベントのdata.objectのうち、照合に使うフィールド。
type Object struct {
	ID                string
	Subscription      string
	Metadata          map[string]string
	CurrentPeriodEnd  int64 // unix秒。サブスクリプションオブジェクトのみ
	CancelAtPeriodEnd bool
	CustomerEmail     string
}

// ReservationCheckout は単発の予約料金支払いのチェックアウト作成パラメータ。
type ReservationCheckout struct {
	RequestID   string
	Email       string
	AmountCents int64
	Currency    string
	Label       string
}

// MembershipCheckout はメンバーシップ購入（サブスクリプション）のチェックアウト作成パラメータ。
type MembershipCheckout struct {
	UserID        string
	PlanID        string
	PriceID       string
	CustomerID    string
	Email         string
	BillingAnchor time.Time
}

// CheckoutLink は作成されたチェックアウトセッション。
type CheckoutLink struct {
	SessionID string
	URL       string
}

// SubscriptionStatusActive は課金が継続中のサブスクリプションのステータス。
const SubscriptionStatusActive = "active"

// Subscription は決済サービス側のサブスクリプションの要約。
type Subscription struct {
	ID                string
	Status            string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// IsActive は課金が継続中かを返す。
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// Gateway は決済サービスとの連携インターフェース。
// 外部呼び出しの失敗はすべてGATEWAY_ERRORとして返す。
type Gateway interface {
	CreateReservationCheckout(ctx context.Context, in ReservationCheckout) (*CheckoutLink, error)
	CreateMembershipCheckout(ctx context.Context, in MembershipCheckout) (*CheckoutLink, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
	CreateCustomer(ctx context.Context, email, name string) (string, error)
	// CreatePortalSession は顧客が支払い方法や請求履歴を管理するポータルのURLを返す。
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	// ParseEvent は署名を検証してイベントをデコードする。
	// 署名不正はINVALID_SIGNATURE、デコード失敗はMALFORMED_PAYLOADを返す。
	ParseEvent(payload []byte, signatureHeader string) (*Event, error)
}

// NextBillingAnchor はnowの翌月1日0時（nowのロケーション）を返す。
func NextBillingAnchor(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, now.Location())
}
