package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/studiobook/internal/model"
)

// OutcomeApplied はwebhook_eventsに記録する、状態変更を伴った処理結果。
const OutcomeApplied = "applied"

// PostgresMembershipRepo はPostgreSQLを使用したメンバーシップリポジトリ。
type PostgresMembershipRepo struct {
	db *sql.DB
}

// NewPostgresMembershipRepo はPostgresMembershipRepoを生成する。
func NewPostgresMembershipRepo(db *sql.DB) *PostgresMembershipRepo {
	return &PostgresMembershipRepo{db: db}
}

const membershipColumns = `id, user_id, COALESCE(plan_id, ''), active, credits, next_billing_date, valid_until,
	COALESCE(subscription_id, ''), last_credited_period_end, created_at, updated_at`

func scanMembership(row rowScanner) (*model.Membership, error) {
	m := &model.Membership{}
	var nextBilling, validUntil, lastCredited sql.NullTime
	err := row.Scan(&m.ID, &m.UserID, &m.PlanID, &m.Active, &m.Credits, &nextBilling, &validUntil,
		&m.SubscriptionID, &lastCredited, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.NextBillingDate = timePtr(nextBilling)
	m.ValidUntil = timePtr(validUntil)
	m.LastCreditedPeriodEnd = timePtr(lastCredited)
	return m, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// claimEvent はイベントIDをwebhook_eventsに記録する。既に記録済みならfalseを返す。
func claimEvent(ctx context.Context, q interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, eventID, eventType, outcome string) (bool, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type, outcome) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, outcome,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// FindByUserID はユーザーのメンバーシップを取得する。見つからない場合はnilを返す。
func (r *PostgresMembershipRepo) FindByUserID(ctx context.Context, userID string) (*model.Membership, error) {
	m, err := scanMembership(r.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE user_id = $1`, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find membership: %w", err)
	}
	return m, nil
}

// FindBySubscriptionID はサブスクリプションIDでメンバーシップを取得する。見つからない場合はnilを返す。
func (r *PostgresMembershipRepo) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*model.Membership, error) {
	m, err := scanMembership(r.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE subscription_id = $1`, subscriptionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find membership by subscription: %w", err)
	}
	return m, nil
}

// ApplyActivation は初回購入を適用する。
// メンバーシップがない場合は作成してプランのクレジットを付与し、
// 既存のメンバーシップはクレジットが0の場合のみ付与する。guestはmemberに昇格する。
func (r *PostgresMembershipRepo) ApplyActivation(ctx context.Context, eventID, eventType string, a Activation) (*ActivationResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	claimed, err := claimEvent(ctx, tx, eventID, eventType, OutcomeApplied)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &ActivationResult{Duplicate: true}, nil
	}

	var role string
	err = tx.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1 FOR UPDATE`, a.UserID).Scan(&role)
	if err == sql.ErrNoRows {
		// 呼び出し側でignoredとして記録させるため、イベント記録ごと取り消す
		return &ActivationResult{UserMissing: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}

	periodEnd := formatDate(a.PeriodEnd)
	res := &ActivationResult{}

	existing, err := scanMembership(tx.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE user_id = $1 FOR UPDATE`, a.UserID))
	switch {
	case err == sql.ErrNoRows:
		res.Created = true
		res.CreditsGranted = a.Credits
		res.Membership, err = scanMembership(tx.QueryRowContext(ctx,
			`INSERT INTO memberships
			   (id, user_id, plan_id, active, credits, next_billing_date, valid_until, subscription_id, last_credited_period_end)
			 VALUES ($1, $2, $3, true, $4, $5::date, $5::date, $6, $7)
			 RETURNING `+membershipColumns,
			uuid.New().String(), a.UserID, a.PlanID, a.Credits, periodEnd, a.SubscriptionID, a.PeriodEnd,
		))
		if err != nil {
			return nil, fmt.Errorf("failed to create membership: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to lock membership: %w", err)
	default:
		grant := 0
		if existing.Credits == 0 {
			grant = a.Credits
		}
		res.CreditsGranted = grant
		res.Membership, err = scanMembership(tx.QueryRowContext(ctx,
			`UPDATE memberships
			    SET plan_id = $2, active = true, credits = credits + $3,
			        next_billing_date = $4::date, valid_until = $4::date, subscription_id = $5,
			        last_credited_period_end = CASE WHEN $3 > 0 THEN $6 ELSE last_credited_period_end END,
			        updated_at = now()
			  WHERE id = $1
			 RETURNING `+membershipColumns,
			existing.ID, a.PlanID, grant, periodEnd, a.SubscriptionID, a.PeriodEnd,
		))
		if err != nil {
			return nil, fmt.Errorf("failed to activate membership: %w", err)
		}
	}

	if model.Role(role) == model.RoleGuest {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET role = 'member', updated_at = now() WHERE id = $1`, a.UserID); err != nil {
			return nil, fmt.Errorf("failed to promote user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

// ApplyRenewal は定期請求成功を適用する。
// last_credited_period_endが今回の請求期間と同じ場合はクレジットを加算しない。
func (r *PostgresMembershipRepo) ApplyRenewal(ctx context.Context, eventID, eventType string, rn Renewal) (*RenewalResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	claimed, err := claimEvent(ctx, tx, eventID, eventType, OutcomeApplied)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &RenewalResult{Duplicate: true}, nil
	}

	existing, err := scanMembership(tx.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE subscription_id = $1 FOR UPDATE`, rn.SubscriptionID))
	if err == sql.ErrNoRows {
		return &RenewalResult{Missing: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock membership: %w", err)
	}

	res := &RenewalResult{Reactivated: !existing.Active}
	if existing.LastCreditedPeriodEnd == nil || !existing.LastCreditedPeriodEnd.Equal(rn.PeriodEnd) {
		res.CreditsAdded = rn.Credits
	}

	res.Membership, err = scanMembership(tx.QueryRowContext(ctx,
		`UPDATE memberships
		    SET active = true, credits = credits + $2,
		        next_billing_date = $3::date, valid_until = $3::date,
		        last_credited_period_end = $4, updated_at = now()
		  WHERE id = $1
		 RETURNING `+membershipColumns,
		existing.ID, res.CreditsAdded, formatDate(rn.PeriodEnd), rn.PeriodEnd,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to renew membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

// ApplyDeactivation は支払い失敗・解約・期間末解約予約を適用する。
func (r *PostgresMembershipRepo) ApplyDeactivation(ctx context.Context, eventID, eventType string, d Deactivation) (*DeactivationResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	claimed, err := claimEvent(ctx, tx, eventID, eventType, OutcomeApplied)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &DeactivationResult{Duplicate: true}, nil
	}

	var query string
	args := []any{d.SubscriptionID}
	switch d.Kind {
	case DeactivatePaymentFailed:
		query = `UPDATE memberships SET active = false, updated_at = now()
		          WHERE subscription_id = $1 RETURNING ` + membershipColumns
	case DeactivateCanceled:
		query = `UPDATE memberships SET active = false, subscription_id = NULL, valid_until = NULL, updated_at = now()
		          WHERE subscription_id = $1 RETURNING ` + membershipColumns
	case DeactivateScheduled:
		query = `UPDATE memberships SET active = false, valid_until = $2::date, updated_at = now()
		          WHERE subscription_id = $1 RETURNING ` + membershipColumns
		args = append(args, formatDate(d.PeriodEnd))
	default:
		return nil, fmt.Errorf("unknown deactivation kind: %d", d.Kind)
	}

	m, err := scanMembership(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return &DeactivationResult{Missing: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &DeactivationResult{Membership: m}, nil
}

// CancelByUser はユーザー操作による解約後の状態を保存する。見つからない場合はnilを返す。
func (r *PostgresMembershipRepo) CancelByUser(ctx context.Context, userID string) (*model.Membership, error) {
	m, err := scanMembership(r.db.QueryRowContext(ctx,
		`UPDATE memberships SET active = false, subscription_id = NULL, updated_at = now()
		  WHERE user_id = $1
		 RETURNING `+membershipColumns,
		userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel membership: %w", err)
	}
	return m, nil
}

// compile-time interface check
var _ MembershipRepository = (*PostgresMembershipRepo)(nil)

// PostgresWebhookEventRepo はPostgreSQLを使用した処理済みWebhookイベント台帳。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// Exists はイベントIDが処理済みかを返す。
func (r *PostgresWebhookEventRepo) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

// Record はイベントIDを処理結果とともに記録する。既に記録済みの場合はfalseを返す。
func (r *PostgresWebhookEventRepo) Record(ctx context.Context, eventID, eventType, outcome string) (bool, error) {
	return claimEvent(ctx, r.db, eventID, eventType, outcome)
}

// compile-time interface check
var _ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)
