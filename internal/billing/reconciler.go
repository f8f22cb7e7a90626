// Package billing は決済サービスからのWebhookイベントを予約台帳とメンバーシップに反映する。
// イベントは重複・順不同で届く前提で、処理済みイベントIDの台帳と状態ガードにより
// 同じイベントを何度受け取っても効果が1回分になるようにする。
package billing

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/hitoshi/studiobook/internal/metrics"
	"github.com/hitoshi/studiobook/internal/model"
	"github.com/hitoshi/studiobook/internal/notify"
	"github.com/hitoshi/studiobook/internal/payment"
	"github.com/hitoshi/studiobook/internal/repository"
)

// Outcome はWebhookイベント1件の処理結果。
type Outcome string

const (
	// Applied は状態を変更した。
	Applied Outcome = "applied"
	// Duplicate は同じイベントIDが処理済みだった。
	Duplicate Outcome = "duplicate"
	// Ignored は対象がない、または反映不要のイベントだった。再送しても結果は変わらない。
	Ignored Outcome = "ignored"
	// Rejected は署名またはペイロードが不正だった。
	Rejected Outcome = "rejected"
	// Failed はDBや決済サービスの一時的な障害。決済サービス側の再送に任せる。
	Failed Outcome = "failed"
)

// HTTPStatus はWebhookの応答ステータスを返す。
func (o Outcome) HTTPStatus() int {
	switch o {
	case Rejected:
		return http.StatusBadRequest
	case Failed:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// ReservationPayer は予約リクエストの支払い確定を行う。reservation.Serviceが実装する。
type ReservationPayer interface {
	MarkPaid(ctx context.Context, id string) (*model.PendingRequest, bool, error)
}

// Observer はWebhook処理のメトリクス記録先。
type Observer interface {
	RecordWebhookEvent(eventType, outcome string)
	RecordWebhookLatency(duration time.Duration)
}

// Deps はReconcilerの依存。Metricsはnil可。
type Deps struct {
	Gateway      payment.Gateway
	Memberships  repository.MembershipRepository
	Events       repository.WebhookEventRepository
	Plans        repository.PlanRepository
	Users        repository.UserRepository
	Reservations ReservationPayer
	Notifier     notify.Dispatcher
	Metrics      Observer
	Logger       *slog.Logger
}

// Reconciler はWebhookイベントの検証と反映を行う。
type Reconciler struct {
	gateway      payment.Gateway
	memberships  repository.MembershipRepository
	events       repository.WebhookEventRepository
	plans        repository.PlanRepository
	users        repository.UserRepository
	reservations ReservationPayer
	notifier     notify.Dispatcher
	metrics      Observer
	logger       *slog.Logger
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(deps Deps) *Reconciler {
	var m Observer = metrics.Nop{}
	if deps.Metrics != nil {
		m = deps.Metrics
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		gateway:      deps.Gateway,
		memberships:  deps.Memberships,
		events:       deps.Events,
		plans:        deps.Plans,
		users:        deps.Users,
		reservations: deps.Reservations,
		notifier:     deps.Notifier,
		metrics:      m,
		logger:       logger,
	}
}

// Handle は署名を検証してイベントを反映し、処理結果を返す。
// 署名検証後のどの分岐でもpanicはFailedとして回収し、呼び出し元に伝播させない。
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signatureHeader string) Outcome {
	start := time.Now()

	ev, err := r.gateway.ParseEvent(payload, signatureHeader)
	if err != nil {
		r.logger.Warn("webhook rejected",
			slog.Int("payload_bytes", len(payload)),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordWebhookEvent("", string(Rejected))
		return Rejected
	}

	outcome := r.dispatch(ctx, ev)

	r.metrics.RecordWebhookEvent(ev.Type, string(outcome))
	r.metrics.RecordWebhookLatency(time.Since(start))
	r.logger.Info("webhook processed",
		slog.String("event_id", ev.ID),
		slog.String("event_type", ev.Type),
		slog.String("outcome", string(outcome)),
	)
	return outcome
}

func (r *Reconciler) dispatch(ctx context.Context, ev *payment.Event) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while handling webhook",
				slog.String("event_id", ev.ID),
				slog.String("event_type", ev.Type),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			outcome = Failed
		}
	}()

	meta := ev.Object.Metadata
	switch ev.Kind {
	case payment.KindCheckoutCompleted:
		if id := meta[payment.MetaReservationID]; id != "" {
			return r.handleReservationPaid(ctx, ev, id)
		}
		if meta[payment.MetaUserID] != "" && meta[payment.MetaPlanID] != "" {
			return r.handleActivation(ctx, ev)
		}
		return r.ignore(ctx, ev, "checkout without recognizable metadata")

	case payment.KindInvoicePaid:
		if meta[payment.MetaUserID] != "" {
			return r.ignore(ctx, ev, "initial invoice is applied by checkout completion")
		}
		return r.handleRenewal(ctx, ev)

	case payment.KindInvoiceFailed:
		return r.handleDeactivation(ctx, ev, repository.DeactivatePaymentFailed, time.Time{})

	case payment.KindSubscriptionCanceled:
		return r.handleDeactivation(ctx, ev, repository.DeactivateCanceled, time.Time{})

	case payment.KindSubscriptionUpdated:
		if !ev.Object.CancelAtPeriodEnd {
			return r.ignore(ctx, ev, "subscription update without cancellation")
		}
		if ev.Object.CurrentPeriodEnd == 0 {
			return r.ignore(ctx, ev, "cancellation without current_period_end")
		}
		return r.handleDeactivation(ctx, ev, repository.DeactivateScheduled, time.Unix(ev.Object.CurrentPeriodEnd, 0))
	}
	return r.ignore(ctx, ev, "unhandled event type")
}

// ignore はイベントを反映不要として台帳に記録する。
func (r *Reconciler) ignore(ctx context.Context, ev *payment.Event, reason string) Outcome {
	r.logger.Info("webhook ignored",
		slog.String("event_id", ev.ID),
		slog.String("event_type", ev.Type),
		slog.String("reason", reason),
	)
	return r.record(ctx, ev, Ignored)
}

func (r *Reconciler) record(ctx context.Context, ev *payment.Event, outcome Outcome) Outcome {
	recorded, err := r.events.Record(ctx, ev.ID, ev.Type, string(outcome))
	if err != nil {
		return r.fail(ev, "record event", err)
	}
	if !recorded {
		return Duplicate
	}
	return outcome
}

func (r *Reconciler) fail(ev *payment.Event, op string, err error) Outcome {
	r.logger.Error("webhook handling failed",
		slog.String("event_id", ev.ID),
		slog.String("event_type", ev.Type),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return Failed
}

func (r *Reconciler) handleReservationPaid(ctx context.Context, ev *payment.Event, reservationID string) Outcome {
	done, err := r.events.Exists(ctx, ev.ID)
	if err != nil {
		return r.fail(ev, "check event", err)
	}
	if done {
		return Duplicate
	}

	_, changed, err := r.reservations.MarkPaid(ctx, reservationID)
	switch {
	case model.IsCode(err, model.ErrCodeRequestNotFound):
		return r.ignore(ctx, ev, "reservation not found")
	case model.IsCode(err, model.ErrCodeInvalidTransition):
		r.logger.Error("payment received for a reservation that is not approved",
			slog.String("event_id", ev.ID),
			slog.String("reservation_id", reservationID),
			slog.String("error", err.Error()),
		)
		return r.record(ctx, ev, Ignored)
	case err != nil:
		return r.fail(ev, "mark paid", err)
	}

	if !changed {
		r.logger.Info("reservation already paid",
			slog.String("event_id", ev.ID),
			slog.String("reservation_id", reservationID),
		)
	}
	return r.record(ctx, ev, Applied)
}

func (r *Reconciler) handleActivation(ctx context.Context, ev *payment.Event) Outcome {
	userID := ev.Object.Metadata[payment.MetaUserID]
	planID := ev.Object.Metadata[payment.MetaPlanID]
	subID := ev.Object.Subscription
	if subID == "" {
		return r.ignore(ctx, ev, "membership checkout without subscription")
	}

	done, err := r.events.Exists(ctx, ev.ID)
	if err != nil {
		return r.fail(ev, "check event", err)
	}
	if done {
		return Duplicate
	}

	plan, err := r.plans.FindByID(ctx, planID)
	if err != nil {
		return r.fail(ev, "find plan", err)
	}
	if plan == nil {
		return r.ignore(ctx, ev, "unknown plan "+planID)
	}

	sub, err := r.gateway.GetSubscription(ctx, subID)
	if err != nil {
		return r.fail(ev, "get subscription", err)
	}

	res, err := r.memberships.ApplyActivation(ctx, ev.ID, ev.Type, repository.Activation{
		UserID:         userID,
		PlanID:         plan.ID,
		SubscriptionID: subID,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Credits:        plan.Credits,
	})
	if err != nil {
		return r.fail(ev, "apply activation", err)
	}
	if res.Duplicate {
		return Duplicate
	}
	if res.UserMissing {
		return r.ignore(ctx, ev, "user not found")
	}

	r.logger.Info("membership activated",
		slog.String("event_id", ev.ID),
		slog.String("user_id", userID),
		slog.String("subscription_id", subID),
		slog.Bool("created", res.Created),
		slog.Int("credits_granted", res.CreditsGranted),
	)

	data := map[string]string{
		"credits":           strconv.Itoa(res.Membership.Credits),
		"next_billing_date": formatDate(res.Membership.NextBillingDate),
	}
	if !res.Created {
		data["reactivated"] = "true"
	}
	r.notifyUser(ctx, userID, notify.KindMembershipActivated, data)
	return Applied
}

func (r *Reconciler) handleRenewal(ctx context.Context, ev *payment.Event) Outcome {
	subID := ev.Object.Subscription
	if subID == "" {
		return r.ignore(ctx, ev, "invoice without subscription")
	}

	done, err := r.events.Exists(ctx, ev.ID)
	if err != nil {
		return r.fail(ev, "check event", err)
	}
	if done {
		return Duplicate
	}

	current, err := r.memberships.FindBySubscriptionID(ctx, subID)
	if err != nil {
		return r.fail(ev, "find membership", err)
	}
	if current == nil {
		return r.ignore(ctx, ev, "no membership for subscription "+subID)
	}

	credits := 0
	plan, err := r.plans.FindByID(ctx, current.PlanID)
	if err != nil {
		return r.fail(ev, "find plan", err)
	}
	if plan != nil {
		credits = plan.Credits
	} else {
		r.logger.Warn("membership plan not found, renewing without credits",
			slog.String("event_id", ev.ID),
			slog.String("plan_id", current.PlanID),
		)
	}

	sub, err := r.gateway.GetSubscription(ctx, subID)
	if err != nil {
		return r.fail(ev, "get subscription", err)
	}
	// 遅れて届いた請求成功で終了済みのサブスクリプションを復活させない
	if !sub.IsActive() {
		return r.ignore(ctx, ev, "subscription not active: "+sub.Status)
	}

	res, err := r.memberships.ApplyRenewal(ctx, ev.ID, ev.Type, repository.Renewal{
		SubscriptionID: subID,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Credits:        credits,
	})
	if err != nil {
		return r.fail(ev, "apply renewal", err)
	}
	if res.Duplicate {
		return Duplicate
	}
	if res.Missing {
		return r.ignore(ctx, ev, "no membership for subscription "+subID)
	}

	r.logger.Info("membership renewed",
		slog.String("event_id", ev.ID),
		slog.String("subscription_id", subID),
		slog.Int("credits_added", res.CreditsAdded),
		slog.Bool("reactivated", res.Reactivated),
	)
	if res.CreditsAdded > 0 {
		r.notifyUser(ctx, res.Membership.UserID, notify.KindMembershipRenewed, map[string]string{
			"credits_added":     strconv.Itoa(res.CreditsAdded),
			"credits":           strconv.Itoa(res.Membership.Credits),
			"next_billing_date": formatDate(res.Membership.NextBillingDate),
		})
	}
	return Applied
}

var deactivationNotices = map[repository.DeactivationKind]notify.Kind{
	repository.DeactivatePaymentFailed: notify.KindMembershipPaymentFailed,
	repository.DeactivateCanceled:      notify.KindMembershipCanceled,
	repository.DeactivateScheduled:     notify.KindMembershipCancellationScheduled,
}

func (r *Reconciler) handleDeactivation(ctx context.Context, ev *payment.Event, kind repository.DeactivationKind, periodEnd time.Time) Outcome {
	subID := ev.Object.Subscription
	if subID == "" {
		return r.ignore(ctx, ev, "event without subscription")
	}

	res, err := r.memberships.ApplyDeactivation(ctx, ev.ID, ev.Type, repository.Deactivation{
		SubscriptionID: subID,
		Kind:           kind,
		PeriodEnd:      periodEnd,
	})
	if err != nil {
		return r.fail(ev, "apply deactivation", err)
	}
	if res.Duplicate {
		return Duplicate
	}
	if res.Missing {
		return r.ignore(ctx, ev, "no membership for subscription "+subID)
	}

	r.logger.Info("membership deactivated",
		slog.String("event_id", ev.ID),
		slog.String("event_type", ev.Type),
		slog.String("subscription_id", subID),
		slog.String("user_id", res.Membership.UserID),
	)
	r.notifyUser(ctx, res.Membership.UserID, deactivationNotices[kind], map[string]string{
		"valid_until": formatDate(res.Membership.ValidUntil),
	})
	return Applied
}

// notifyUser はユーザーのメールアドレス宛てに通知する。ユーザーが取得できない場合はログのみ。
func (r *Reconciler) notifyUser(ctx context.Context, userID string, kind notify.Kind, data map[string]string) {
	user, err := r.users.FindByID(ctx, userID)
	if err != nil || user == nil {
		r.logger.Warn("notification recipient not found",
			slog.String("user_id", userID),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
		return
	}
	data["name"] = user.Name
	r.notifier.Dispatch(ctx, notify.Message{Kind: kind, To: []string{user.Email}, Data: data})
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("Jan 02, 2006")
}
