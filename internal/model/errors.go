// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, booking, billing, invite, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeRequestNotFound     = "REQUEST_NOT_FOUND"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeMembershipNotFound  = "MEMBERSHIP_NOT_FOUND"
	ErrCodePlanNotFound        = "PLAN_NOT_FOUND"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeSlotConflict        = "SLOT_CONFLICT"
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrCodeNoMembershipAccess  = "NO_MEMBERSHIP_ACCESS"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInvalidSignature    = "INVALID_SIGNATURE"
	ErrCodeMalformedPayload    = "MALFORMED_PAYLOAD"
	ErrCodeGatewayError        = "GATEWAY_ERROR"
	ErrCodeInvalidSlot         = "INVALID_SLOT"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeInviteNotFound      = "INVITE_NOT_FOUND"
	ErrCodeInviteExpired       = "INVITE_EXPIRED"
	ErrCodeInviteUsed          = "INVITE_USED"
	ErrCodeInviteActive        = "INVITE_ACTIVE"
	ErrCodeInviteEmailMismatch = "INVITE_EMAIL_MISMATCH"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// IsCode はerrがAPIErrorであり、かつ指定コードを持つかを判定する。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewRequestNotFoundError は予約リクエスト未検出エラーを生成する。
func NewRequestNotFoundError(requestID string) *APIError {
	return &APIError{
		Code:     ErrCodeRequestNotFound,
		Message:  fmt.Sprintf("指定された予約リクエストが見つかりません: %s", requestID),
		Category: "booking",
		Action:   "リクエストIDを確認してください。",
	}
}

// NewSessionNotFoundError は予約済みセッション未検出エラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定された予約が見つかりません: %s", sessionID),
		Category: "booking",
		Action:   "予約一覧から対象の予約を確認してください。",
	}
}

// NewMembershipNotFoundError はメンバーシップ未検出エラーを生成する。
func NewMembershipNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeMembershipNotFound,
		Message:  "有効なメンバーシップが見つかりません。",
		Category: "billing",
		Action:   "メンバーシップのお申し込み状況を確認してください。",
	}
}

// NewPlanNotFoundError はプラン未検出エラーを生成する。
func NewPlanNotFoundError(planID string) *APIError {
	return &APIError{
		Code:     ErrCodePlanNotFound,
		Message:  fmt.Sprintf("指定されたプランが見つかりません: %s", planID),
		Category: "billing",
		Action:   "プラン一覧から選択し直してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInvalidTransitionError は現在のステータスから要求された遷移ができない場合のエラーを生成する。
func NewInvalidTransitionError(from, to string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("ステータス %s から %s へは変更できません。", from, to),
		Category: "booking",
		Action:   "最新の状態を確認してから再度お試しください。",
	}
}

// NewSlotConflictError は枠の重複エラーを生成する。
func NewSlotConflictError(date string, hours []int) *APIError {
	return &APIError{
		Code:     ErrCodeSlotConflict,
		Message:  fmt.Sprintf("%s の %v 時の枠は既に予約されています。", date, hours),
		Category: "booking",
		Action:   "別の時間帯を選択してください。",
	}
}

// NewInsufficientCreditsError はクレジット不足エラーを生成する。
func NewInsufficientCreditsError(have, need int) *APIError {
	return &APIError{
		Code:     ErrCodeInsufficientCredits,
		Message:  fmt.Sprintf("クレジットが不足しています（残り %d、必要 %d）。", have, need),
		Category: "billing",
		Action:   "予約時間を減らすか、次回の更新をお待ちください。",
	}
}

// NewNoMembershipAccessError はメンバーシップが無効な場合のエラーを生成する。
func NewNoMembershipAccessError() *APIError {
	return &APIError{
		Code:     ErrCodeNoMembershipAccess,
		Message:  "即時予約には有効なメンバーシップが必要です。",
		Category: "billing",
		Action:   "メンバーシップに登録するか、通常の予約リクエストをご利用ください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "権限を持つアカウントでログインしてください。",
	}
}

// NewInvalidSignatureError はWebhook署名検証失敗エラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "Webhookの署名検証に失敗しました。",
		Category: "billing",
		Action:   "Webhookシークレットの設定を確認してください。",
	}
}

// NewMalformedPayloadError はWebhookペイロード不正エラーを生成する。
func NewMalformedPayloadError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeMalformedPayload,
		Message:  fmt.Sprintf("Webhookペイロードを解析できません: %s", reason),
		Category: "billing",
		Action:   "決済サービス側の送信内容を確認してください。",
	}
}

// NewGatewayError は決済サービス呼び出し失敗エラーを生成する。
func NewGatewayError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeGatewayError,
		Message:  fmt.Sprintf("決済サービスとの通信に失敗しました: %s", reason),
		Category: "billing",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidSlotError は予約枠の指定が不正な場合のエラーを生成する。
func NewInvalidSlotError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSlot,
		Message:  fmt.Sprintf("予約枠の指定が不正です: %s", reason),
		Category: "validation",
		Action:   "日付と時間帯を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInviteNotFoundError は招待未検出エラーを生成する。
func NewInviteNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeInviteNotFound,
		Message:  "招待が見つかりません。",
		Category: "invite",
		Action:   "招待メールのリンクを確認してください。",
	}
}

// NewInviteExpiredError は招待期限切れエラーを生成する。
func NewInviteExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeInviteExpired,
		Message:  "招待の有効期限が切れています。",
		Category: "invite",
		Action:   "管理者に招待の再発行を依頼してください。",
	}
}

// NewInviteUsedError は使用済み招待エラーを生成する。
func NewInviteUsedError() *APIError {
	return &APIError{
		Code:     ErrCodeInviteUsed,
		Message:  "この招待は既に使用されています。",
		Category: "invite",
		Action:   "ログインしてご利用ください。",
	}
}

// NewInviteActiveError は有効な招待が既に存在する場合のエラーを生成する。
func NewInviteActiveError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeInviteActive,
		Message:  fmt.Sprintf("%s 宛ての有効な招待が既に存在します。", email),
		Category: "invite",
		Action:   "既存の招待の有効期限が切れてから再発行してください。",
	}
}

// NewInviteEmailMismatchError は招待先とログインユーザーのメールアドレスが異なる場合のエラーを生成する。
func NewInviteEmailMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeInviteEmailMismatch,
		Message:  "招待先のメールアドレスとログイン中のアカウントが一致しません。",
		Category: "invite",
		Action:   "招待を受け取ったメールアドレスのアカウントでログインしてください。",
	}
}

// NewUnauthorizedError は未ログインエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間が経過してから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
