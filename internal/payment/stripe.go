package payment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/hitoshi/studiobook/internal/model"
)

// StripeConfig はStripeGatewayの設定。
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string // success/cancel URLの組み立てに使う
}

// StripeGateway はStripe APIを使用したGateway実装。
// APIキーはクライアント単位で保持し、パッケージグローバルの stripe.Key は使わない。
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	baseURL       string
}

// StripeOption はStripeGatewayのオプション設定。
type StripeOption func(*stripeOptions)

type stripeOptions struct {
	backendURL string
}

// WithBackendURL はStripe APIの接続先を差し替える（テスト用）。
func WithBackendURL(url string) StripeOption {
	return func(o *stripeOptions) {
		o.backendURL = url
	}
}

// NewStripeGateway はStripeGatewayを生成する。
func NewStripeGateway(cfg StripeConfig, opts ...StripeOption) *StripeGateway {
	o := &stripeOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var backends *stripe.Backends
	if o.backendURL != "" {
		maxRetries := int64(0)
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(o.backendURL),
			MaxNetworkRetries: &maxRetries,
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}

	return &StripeGateway{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
	}
}

func gatewayError(op string, err error) error {
	slog.Error("payment gateway call failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return model.NewGatewayError(op)
}

// CreateReservationCheckout は予約料金の単発支払い用チェックアウトセッションを作成する。
func (g *StripeGateway) CreateReservationCheckout(ctx context.Context, in ReservationCheckout) (*CheckoutLink, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(in.Currency),
				UnitAmount: stripe.Int64(in.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(in.Label),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(g.baseURL + "/payment-success/"),
		CancelURL:  stripe.String(g.baseURL + "/payment-cancelled/"),
	}
	if in.Email != "" {
		params.CustomerEmail = stripe.String(in.Email)
	}
	params.Context = ctx
	params.AddMetadata(MetaReservationID, in.RequestID)

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, gatewayError("create reservation checkout", err)
	}
	return &CheckoutLink{SessionID: sess.ID, URL: sess.URL}, nil
}

// CreateMembershipCheckout はメンバーシップのサブスクリプション用チェックアウトセッションを作成する。
// 請求サイクルはBillingAnchor（翌月1日）に揃える。
func (g *StripeGateway) CreateMembershipCheckout(ctx context.Context, in MembershipCheckout) (*CheckoutLink, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(in.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				MetaUserID: in.UserID,
				MetaPlanID: in.PlanID,
			},
		},
		SuccessURL: stripe.String(g.baseURL + "/membership/"),
		CancelURL:  stripe.String(g.baseURL + "/membership/"),
	}
	if !in.BillingAnchor.IsZero() {
		params.SubscriptionData.BillingCycleAnchor = stripe.Int64(in.BillingAnchor.Unix())
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	} else if in.Email != "" {
		params.CustomerEmail = stripe.String(in.Email)
	}
	params.Context = ctx
	params.AddMetadata(MetaUserID, in.UserID)
	params.AddMetadata(MetaPlanID, in.PlanID)

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, gatewayError("create membership checkout", err)
	}
	return &CheckoutLink{SessionID: sess.ID, URL: sess.URL}, nil
}

// GetSubscription はサブスクリプションを取得する。
func (g *StripeGateway) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, gatewayError("get subscription", err)
	}
	return &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CurrentPeriodEnd:  time.Unix(sub.CurrentPeriodEnd, 0),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}, nil
}

// CancelSubscription はサブスクリプションを即時解約する。
func (g *StripeGateway) CancelSubscription(ctx context.Context, id string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := g.api.Subscriptions.Cancel(id, params); err != nil {
		return gatewayError("cancel subscription", err)
	}
	return nil
}

// CreateCustomer は顧客を作成してIDを返す。
func (g *StripeGateway) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx
	cus, err := g.api.Customers.New(params)
	if err != nil {
		return "", gatewayError("create customer", err)
	}
	return cus.ID, nil
}

// CreatePortalSession はカスタマーポータルのセッションを作成してURLを返す。
// returnURLが空の場合はメンバーシップページに戻す。
func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if returnURL == "" {
		returnURL = g.baseURL + "/membership/"
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := g.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", gatewayError("create portal session", err)
	}
	return sess.URL, nil
}

// ParseEvent は署名を検証してイベントをデコードする。
func (g *StripeGateway) ParseEvent(payload []byte, signatureHeader string) (*Event, error) {
	return parseEvent(payload, signatureHeader, g.webhookSecret)
}

// compile-time interface check
var _ Gateway = (*StripeGateway)(nil)
