// Package notify は予約・決済・メンバーシップの状態変化に伴う通知を扱う。
// 通知は状態変更のトランザクションとは切り離した非同期の副作用で、
// 送信失敗が呼び出し元に伝播することはない（ログとメトリクスで可視化する）。
package notify

import "context"

// Kind は通知の種類。
type Kind string

const (
	KindRequestSubmitted                Kind = "request-submitted"
	KindRequestApprovedPaymentLink      Kind = "request-approved-payment-link"
	KindRequestDeclined                 Kind = "request-declined"
	KindPaymentConfirmed                Kind = "payment-confirmed"
	KindSessionBooked                   Kind = "session-booked"
	KindMembershipActivated             Kind = "membership-activated"
	KindMembershipRenewed               Kind = "membership-renewed"
	KindMembershipPaymentFailed         Kind = "membership-payment-failed"
	KindMembershipCanceled              Kind = "membership-canceled"
	KindMembershipCancellationScheduled Kind = "membership-cancellation-scheduled"
	KindInviteIssued                    Kind = "invite-issued"
)

// Message は1件の通知。DataはAMQP経由でもそのまま運べるよう文字列のみとする。
type Message struct {
	Kind Kind              `json:"kind"`
	To   []string          `json:"to"`
	Data map[string]string `json:"data"`
}

// Dispatcher は通知をキューに積む。呼び出し元をブロックせず、エラーも返さない。
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message)
}

// Deliverer は1件の通知を実際に送信する。
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Observer は通知の送信結果を受け取る（メトリクス用）。
type Observer interface {
	RecordNotification(kind, result string)
}

// 送信結果のラベル。
const (
	ResultSent    = "sent"
	ResultRetried = "retried"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

type nopObserver struct{}

func (nopObserver) RecordNotification(string, string) {}

// DispatcherFunc は関数をDispatcherとして扱うアダプタ。
type DispatcherFunc func(ctx context.Context, msg Message)

// Dispatch はf(ctx, msg)を呼ぶ。
func (f DispatcherFunc) Dispatch(ctx context.Context, msg Message) {
	f(ctx, msg)
}
