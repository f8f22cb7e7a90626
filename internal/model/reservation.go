package model

import "time"

// DateLayout は予約日の文字列表現（YYYY-MM-DD）。
const DateLayout = "2006-01-02"

// RequestStatus は予約リクエストのステータス。
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusDeclined RequestStatus = "declined"
	RequestStatusPaid     RequestStatus = "paid"
)

// requestTransitions は予約リクエストの許可された遷移表。
// declined と paid は終端状態。
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestStatusPending:  {RequestStatusApproved, RequestStatusDeclined},
	RequestStatusApproved: {RequestStatusPaid},
}

// Valid は定義済みのステータスかを返す。
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusApproved, RequestStatusDeclined, RequestStatusPaid:
		return true
	}
	return false
}

// CanTransitionTo はsからnextへの遷移が許可されているかを返す。
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, to := range requestTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// ClaimsSlot はこのステータスの予約リクエストが枠を排他的に確保するかを返す。
func (s RequestStatus) ClaimsSlot() bool {
	return s == RequestStatusApproved || s == RequestStatusPaid
}

// SessionStatus は予約済みセッションのステータス。
type SessionStatus string

// アプリケーションが作成するセッションはbookedのみ。paidはスタジオ外で個別に精算した
// セッションを運用者がDB上で記録するために予約しており、スキーマの制約と枠の占有判定は
// paidも対象にしている。
const (
	SessionStatusBooked   SessionStatus = "booked"
	SessionStatusPaid     SessionStatus = "paid"
	SessionStatusCanceled SessionStatus = "canceled"
)

// booked→paidは外部精算済みの記録用。paidになったセッションはアプリからキャンセルできない。
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusBooked: {SessionStatusPaid, SessionStatusCanceled},
}

// CanTransitionTo はsからnextへの遷移が許可されているかを返す。
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, to := range sessionTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// ClaimsSlot はこのステータスのセッションが枠を排他的に確保するかを返す。
func (s SessionStatus) ClaimsSlot() bool {
	return s == SessionStatusBooked || s == SessionStatusPaid
}

// Decision はオペレーターによる予約リクエストへの判断。
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDecline Decision = "decline"
)

// Requester は予約リクエストの申込者情報。アカウントを持たない場合UserIDは空。
type Requester struct {
	UserID string
	Name   string
	Email  string
	Phone  string
}

// PendingRequest は開始時刻とhours時間分の連続した枠に対する未確定の予約リクエスト。
type PendingRequest struct {
	ID                string
	Requester         Requester
	Date              time.Time
	StartHour         int
	Hours             int
	Notes             string
	Status            RequestStatus
	SuggestedTimes    string
	PaymentLinkURL    string
	CheckoutSessionID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CoveredHours はリクエストが対象とする時間（開始時刻からhours個）を返す。
func (r *PendingRequest) CoveredHours() []int {
	hours := make([]int, 0, r.Hours)
	for h := r.StartHour; h < r.StartHour+r.Hours; h++ {
		hours = append(hours, h)
	}
	return hours
}

// BookedSession はクレジットまたは決済で確定した1時間枠の予約。
type BookedSession struct {
	ID        string
	UserID    string // 外部予約の場合は空
	Date      time.Time
	StartHour int
	Duration  int
	Status    SessionStatus
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SlotState は日別スケジュールにおける枠の表示状態。
type SlotState string

const (
	SlotAvailable SlotState = "available"
	SlotRequested SlotState = "requested"
	SlotPending   SlotState = "pending"
	SlotReserved  SlotState = "reserved"
)

// SlotClaim は日別スケジュール算出用に、ある時間を占有している予約の要約。
type SlotClaim struct {
	Hour  int
	State SlotState
}
