// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/studiobook/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する（大文字小文字を区別しない）。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdateProfile は表示名と電話番号を更新する。ユーザーがいない場合はUSER_NOT_FOUND。
	UpdateProfile(ctx context.Context, id, name, phone string) error

	// SetStripeCustomerID は決済サービス側の顧客IDを保存する。
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error

	// ListEmailsByMinRole は指定ロール以上のユーザーのメールアドレスを返す。
	ListEmailsByMinRole(ctx context.Context, min model.Role) ([]string, error)
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	// Create は既存ユーザーにidentityを紐付ける。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はログインセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// ReservationRepository は予約リクエストと予約済みセッションの永続化インターフェース。
// ステータス遷移と枠の排他チェックは行ロックとアドバイザリロックの下で同一トランザクション内に行う。
type ReservationRepository interface {
	// CreateRequest はpendingの予約リクエストを作成する。
	CreateRequest(ctx context.Context, req *model.PendingRequest) error

	// FindRequestByID は予約リクエストを取得する。見つからない場合はnilを返す。
	FindRequestByID(ctx context.Context, id string) (*model.PendingRequest, error)

	// ListRequests はステータスで絞り込んだ予約リクエストを希望日の昇順で返す。statusが空なら全件。
	ListRequests(ctx context.Context, status model.RequestStatus, limit int) ([]*model.PendingRequest, error)

	// ApproveRequest はpendingのリクエストをapprovedにする。
	// 対象の枠が他の有効な予約と重複する場合はSlotConflict、pending以外はInvalidTransitionを返す。
	// 見つからない場合はnilを返す。
	ApproveRequest(ctx context.Context, id string) (*model.PendingRequest, error)

	// DeclineRequest はpendingのリクエストをdeclinedにし、代替候補時刻を保存する。
	// pending以外はInvalidTransitionを返す。見つからない場合はnilを返す。
	DeclineRequest(ctx context.Context, id, suggestedTimes string) (*model.PendingRequest, error)

	// MarkRequestPaid はapprovedのリクエストをpaidにする。
	// 既にpaidの場合は変更せずchanged=falseで返す。pending/declinedはInvalidTransition。
	// 見つからない場合はnilを返す。
	MarkRequestPaid(ctx context.Context, id string) (req *model.PendingRequest, changed bool, err error)

	// SetPaymentLink は決済リンクとチェックアウトセッションIDを保存する。
	SetPaymentLink(ctx context.Context, id, url, checkoutSessionID string) error

	// InstantBook はメンバーのクレジットを消費して複数枠を一括予約する。
	// クレジット不足はInsufficientCredits、いずれかの枠が確保済みならSlotConflictを返し、何も書き込まない。
	InstantBook(ctx context.Context, userID string, date time.Time, hours []int, notes string) ([]*model.BookedSession, error)

	// FindSessionByID は予約済みセッションを取得する。見つからない場合はnilを返す。
	FindSessionByID(ctx context.Context, id string) (*model.BookedSession, error)

	// CancelSession はbookedのセッションをcanceledにする。bookedでなかった場合はfalseを返す。
	CancelSession(ctx context.Context, id string) (bool, error)

	// ListSessionsByUser はfrom以降のユーザーの予約済みセッションを返す。
	ListSessionsByUser(ctx context.Context, userID string, from time.Time) ([]*model.BookedSession, error)

	// ListClaimsForDate は指定日の declined 以外の予約リクエストと有効な予約済みセッションを返す。
	ListClaimsForDate(ctx context.Context, date time.Time) ([]*model.PendingRequest, []*model.BookedSession, error)
}

// Activation はメンバーシップ有効化イベントの内容。
type Activation struct {
	UserID         string
	PlanID         string
	SubscriptionID string
	PeriodEnd      time.Time
	Credits        int
}

// ActivationResult はメンバーシップ有効化の適用結果。
type ActivationResult struct {
	Membership     *model.Membership
	Created        bool
	CreditsGranted int
	Duplicate      bool // 同一イベントIDが処理済み
	UserMissing    bool
}

// Renewal は定期請求成功イベントの内容。
type Renewal struct {
	SubscriptionID string
	PeriodEnd      time.Time
	Credits        int
}

// RenewalResult は定期請求成功の適用結果。
type RenewalResult struct {
	Membership   *model.Membership
	CreditsAdded int
	Reactivated  bool
	Duplicate    bool
	Missing      bool
}

// DeactivationKind はメンバーシップ無効化の種別。
type DeactivationKind int

const (
	// DeactivatePaymentFailed は支払い失敗によりactive=falseにする。
	DeactivatePaymentFailed DeactivationKind = iota
	// DeactivateCanceled は即時解約。サブスクリプションIDとvalid_untilを消去する。
	DeactivateCanceled
	// DeactivateScheduled は期間末解約。valid_untilに現在の支払済み期間の終了日を設定する。
	DeactivateScheduled
)

// Deactivation はメンバーシップ無効化イベントの内容。
type Deactivation struct {
	SubscriptionID string
	Kind           DeactivationKind
	PeriodEnd      time.Time // DeactivateScheduledのみ使用
}

// DeactivationResult はメンバーシップ無効化の適用結果。
type DeactivationResult struct {
	Membership *model.Membership
	Duplicate  bool
	Missing    bool
}

// MembershipRepository はメンバーシップの永続化インターフェース。
// Apply系メソッドはwebhook_eventsへのイベントID記録と状態更新を同一トランザクションで行い、
// 同じイベントIDの再配送ではDuplicate=trueを返して何も変更しない。
type MembershipRepository interface {
	// FindByUserID はユーザーのメンバーシップを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Membership, error)

	// FindBySubscriptionID は決済サービス側のサブスクリプションIDでメンバーシップを取得する。見つからない場合はnilを返す。
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*model.Membership, error)

	// ApplyActivation は初回購入（チェックアウト完了）を適用する。
	ApplyActivation(ctx context.Context, eventID, eventType string, a Activation) (*ActivationResult, error)

	// ApplyRenewal は定期請求成功を適用する。同一請求期間へのクレジット付与は1回まで。
	ApplyRenewal(ctx context.Context, eventID, eventType string, r Renewal) (*RenewalResult, error)

	// ApplyDeactivation は支払い失敗・解約・期間末解約予約を適用する。
	ApplyDeactivation(ctx context.Context, eventID, eventType string, d Deactivation) (*DeactivationResult, error)

	// CancelByUser はユーザー操作による解約後の状態（active=false、サブスクリプションID消去）を保存する。
	CancelByUser(ctx context.Context, userID string) (*model.Membership, error)
}

// WebhookEventRepository は処理済みWebhookイベントの台帳。
type WebhookEventRepository interface {
	// Exists はイベントIDが処理済みかを返す。
	Exists(ctx context.Context, eventID string) (bool, error)
	// Record はイベントIDを処理結果とともに記録する。既に記録済みの場合はfalseを返す。
	Record(ctx context.Context, eventID, eventType, outcome string) (bool, error)
}

// PlanRepository はメンバーシッププランの永続化インターフェース。
type PlanRepository interface {
	// FindByID はプランを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Plan, error)
	// ListActive は販売中のプラン一覧を返す。
	ListActive(ctx context.Context) ([]*model.Plan, error)
}

// InviteRepository は招待の永続化インターフェース。
type InviteRepository interface {
	// FindLatestUnusedByEmail はメールアドレス宛ての未使用の招待のうち最新のものを返す。見つからない場合はnilを返す。
	FindLatestUnusedByEmail(ctx context.Context, email string) (*model.Invite, error)
	// FindByToken はトークンで招待を取得する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.Invite, error)
	// Create は招待を作成する。
	Create(ctx context.Context, invite *model.Invite) error
	// Reissue は期限切れの招待に新しいトークン・ロール・有効期限を設定する。
	Reissue(ctx context.Context, id, token string, role model.Role, expiresAt time.Time) error
	// Accept は招待を使用済みにし、ユーザーのロールを更新する。既に使用済みならInviteUsedを返す。
	Accept(ctx context.Context, inviteID, userID string, role model.Role) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
