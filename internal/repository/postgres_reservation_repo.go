package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/studiobook/internal/model"
)

// PostgresReservationRepo はPostgreSQLを使用した予約リポジトリ。
//
// 枠を確保する操作（承認・即時予約）は日付単位のアドバイザリロックを取得してから
// 重複チェックと書き込みを行うため、同じ日付への並行操作は直列化される。
// booked_sessionsの部分一意インデックスは最後の砦として残している。
type PostgresReservationRepo struct {
	db *sql.DB
}

// NewPostgresReservationRepo はPostgresReservationRepoを生成する。
func NewPostgresReservationRepo(db *sql.DB) *PostgresReservationRepo {
	return &PostgresReservationRepo{db: db}
}

const requestColumns = `id, COALESCE(user_id::text, ''), name, email, phone, requested_date, start_hour, hours,
	notes, status, suggested_times, payment_link_url, checkout_session_id, created_at, updated_at`

const sessionColumns = `id, COALESCE(user_id::text, ''), booked_date, start_hour, duration, status, notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*model.PendingRequest, error) {
	req := &model.PendingRequest{}
	var status string
	err := row.Scan(&req.ID, &req.Requester.UserID, &req.Requester.Name, &req.Requester.Email, &req.Requester.Phone,
		&req.Date, &req.StartHour, &req.Hours, &req.Notes, &status, &req.SuggestedTimes,
		&req.PaymentLinkURL, &req.CheckoutSessionID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	req.Status = model.RequestStatus(status)
	return req, nil
}

func scanSession(row rowScanner) (*model.BookedSession, error) {
	s := &model.BookedSession{}
	var status string
	err := row.Scan(&s.ID, &s.UserID, &s.Date, &s.StartHour, &s.Duration, &status, &s.Notes, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	return s, nil
}

func nullableUUID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func formatDate(t time.Time) string {
	return t.Format(model.DateLayout)
}

// lockDate は日付単位のトランザクションスコープのアドバイザリロックを取得する。
func lockDate(ctx context.Context, tx *sql.Tx, date string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "slot:"+date); err != nil {
		return fmt.Errorf("failed to acquire slot lock: %w", err)
	}
	return nil
}

// findConflicts はhoursのうち、確定済みセッションまたはapproved/paidのリクエストが確保している時間を返す。
func findConflicts(ctx context.Context, tx *sql.Tx, date string, hours []int) ([]int, error) {
	hs := make(pq.Int64Array, len(hours))
	for i, h := range hours {
		hs[i] = int64(h)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT h FROM booked_sessions bs
		   CROSS JOIN LATERAL generate_series(bs.start_hour, bs.start_hour + bs.duration - 1) AS h
		  WHERE bs.booked_date = $1::date AND bs.status IN ('booked', 'paid') AND h = ANY($2)
		 UNION
		 SELECT h FROM pending_requests pr
		   CROSS JOIN LATERAL generate_series(pr.start_hour, pr.start_hour + pr.hours - 1) AS h
		  WHERE pr.requested_date = $1::date AND pr.status IN ('approved', 'paid') AND h = ANY($2)
		 ORDER BY 1`,
		date, hs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to check slot conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []int
	for rows.Next() {
		var h int
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflicts: %w", err)
	}
	return conflicts, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateRequest はpendingの予約リクエストを作成する。
func (r *PostgresReservationRepo) CreateRequest(ctx context.Context, req *model.PendingRequest) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pending_requests
		   (id, user_id, name, email, phone, requested_date, start_hour, hours, notes, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9, $10, $11, $12)`,
		req.ID, nullableUUID(req.Requester.UserID), req.Requester.Name, req.Requester.Email, req.Requester.Phone,
		formatDate(req.Date), req.StartHour, req.Hours, req.Notes, string(req.Status), req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// FindRequestByID は予約リクエストを取得する。見つからない場合はnilを返す。
func (r *PostgresReservationRepo) FindRequestByID(ctx context.Context, id string) (*model.PendingRequest, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM pending_requests WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find request: %w", err)
	}
	return req, nil
}

// ListRequests はステータスで絞り込んだ予約リクエストを返す。statusが空なら全件。
func (r *PostgresReservationRepo) ListRequests(ctx context.Context, status model.RequestStatus, limit int) ([]*model.PendingRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM pending_requests
		  WHERE ($1 = '' OR status = $1)
		  ORDER BY requested_date, start_hour, created_at
		  LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var reqs []*model.PendingRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate requests: %w", err)
	}
	return reqs, nil
}

func lockRequest(ctx context.Context, tx *sql.Tx, id string) (*model.PendingRequest, error) {
	req, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM pending_requests WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock request: %w", err)
	}
	return req, nil
}

func updateRequestStatus(ctx context.Context, tx *sql.Tx, req *model.PendingRequest, to model.RequestStatus) error {
	err := tx.QueryRowContext(ctx,
		`UPDATE pending_requests SET status = $2, updated_at = now() WHERE id = $1 RETURNING updated_at`,
		req.ID, string(to),
	).Scan(&req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	req.Status = to
	return nil
}

// ApproveRequest はpendingのリクエストをapprovedにする。
func (r *PostgresReservationRepo) ApproveRequest(ctx context.Context, id string) (*model.PendingRequest, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	req, err := lockRequest(ctx, tx, id)
	if err != nil || req == nil {
		return nil, err
	}
	if !req.Status.CanTransitionTo(model.RequestStatusApproved) {
		return nil, model.NewInvalidTransitionError(string(req.Status), string(model.RequestStatusApproved))
	}

	date := formatDate(req.Date)
	if err := lockDate(ctx, tx, date); err != nil {
		return nil, err
	}
	conflicts, err := findConflicts(ctx, tx, date, req.CoveredHours())
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, model.NewSlotConflictError(date, conflicts)
	}

	if err := updateRequestStatus(ctx, tx, req, model.RequestStatusApproved); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return req, nil
}

// DeclineRequest はpendingのリクエストをdeclinedにし、代替候補時刻を保存する。
func (r *PostgresReservationRepo) DeclineRequest(ctx context.Context, id, suggestedTimes string) (*model.PendingRequest, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	req, err := lockRequest(ctx, tx, id)
	if err != nil || req == nil {
		return nil, err
	}
	if !req.Status.CanTransitionTo(model.RequestStatusDeclined) {
		return nil, model.NewInvalidTransitionError(string(req.Status), string(model.RequestStatusDeclined))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_requests SET suggested_times = $2 WHERE id = $1`, id, suggestedTimes); err != nil {
		return nil, fmt.Errorf("failed to save suggested times: %w", err)
	}
	req.SuggestedTimes = suggestedTimes
	if err := updateRequestStatus(ctx, tx, req, model.RequestStatusDeclined); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return req, nil
}

// MarkRequestPaid はapprovedのリクエストをpaidにする。既にpaidならchanged=false。
func (r *PostgresReservationRepo) MarkRequestPaid(ctx context.Context, id string) (*model.PendingRequest, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	req, err := lockRequest(ctx, tx, id)
	if err != nil || req == nil {
		return nil, false, err
	}
	if req.Status == model.RequestStatusPaid {
		return req, false, nil
	}
	if !req.Status.CanTransitionTo(model.RequestStatusPaid) {
		return nil, false, model.NewInvalidTransitionError(string(req.Status), string(model.RequestStatusPaid))
	}

	if err := updateRequestStatus(ctx, tx, req, model.RequestStatusPaid); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return req, true, nil
}

// SetPaymentLink は決済リンクとチェックアウトセッションIDを保存する。
func (r *PostgresReservationRepo) SetPaymentLink(ctx context.Context, id, url, checkoutSessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_requests
		    SET payment_link_url = $2, checkout_session_id = $3, updated_at = now()
		  WHERE id = $1`,
		id, url, checkoutSessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to set payment link: %w", err)
	}
	return nil
}

// InstantBook はメンバーのクレジットを消費して複数枠を一括予約する。
// hoursは重複のない昇順であること。
func (r *PostgresReservationRepo) InstantBook(ctx context.Context, userID string, date time.Time, hours []int, notes string) ([]*model.BookedSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	day := formatDate(date)
	if err := lockDate(ctx, tx, day); err != nil {
		return nil, err
	}

	var membershipID string
	var credits int
	err = tx.QueryRowContext(ctx,
		`SELECT id, credits FROM memberships WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&membershipID, &credits)
	if err == sql.ErrNoRows {
		return nil, model.NewNoMembershipAccessError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock membership: %w", err)
	}
	if credits < len(hours) {
		return nil, model.NewInsufficientCreditsError(credits, len(hours))
	}

	conflicts, err := findConflicts(ctx, tx, day, hours)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, model.NewSlotConflictError(day, conflicts)
	}

	sessions := make([]*model.BookedSession, 0, len(hours))
	for _, h := range hours {
		s := &model.BookedSession{
			ID:        uuid.New().String(),
			UserID:    userID,
			Date:      date,
			StartHour: h,
			Duration:  1,
			Status:    model.SessionStatusBooked,
			Notes:     notes,
		}
		err := tx.QueryRowContext(ctx,
			`INSERT INTO booked_sessions (id, user_id, booked_date, start_hour, duration, status, notes)
			 VALUES ($1, $2, $3::date, $4, $5, $6, $7)
			 RETURNING created_at, updated_at`,
			s.ID, userID, day, h, s.Duration, string(s.Status), notes,
		).Scan(&s.CreatedAt, &s.UpdatedAt)
		if isUniqueViolation(err) {
			return nil, model.NewSlotConflictError(day, []int{h})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert booked session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE memberships SET credits = credits - $2, updated_at = now() WHERE id = $1`,
		membershipID, len(hours),
	); err != nil {
		return nil, fmt.Errorf("failed to consume credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, model.NewSlotConflictError(day, hours)
		}
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sessions, nil
}

// FindSessionByID は予約済みセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresReservationRepo) FindSessionByID(ctx context.Context, id string) (*model.BookedSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM booked_sessions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find booked session: %w", err)
	}
	return s, nil
}

// CancelSession はbookedのセッションをcanceledにする。bookedでなかった場合はfalseを返す。
// クレジットは返還しない。
func (r *PostgresReservationRepo) CancelSession(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE booked_sessions SET status = 'canceled', updated_at = now()
		  WHERE id = $1 AND status = 'booked'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListSessionsByUser はfrom以降のユーザーの予約済みセッションを返す。
func (r *PostgresReservationRepo) ListSessionsByUser(ctx context.Context, userID string, from time.Time) ([]*model.BookedSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM booked_sessions
		  WHERE user_id = $1 AND booked_date >= $2::date
		  ORDER BY booked_date, start_hour`,
		userID, formatDate(from),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListClaimsForDate は指定日のdeclined以外の予約リクエストと有効な予約済みセッションを返す。
func (r *PostgresReservationRepo) ListClaimsForDate(ctx context.Context, date time.Time) ([]*model.PendingRequest, []*model.BookedSession, error) {
	day := formatDate(date)

	reqRows, err := r.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM pending_requests
		  WHERE requested_date = $1::date AND status <> 'declined'
		  ORDER BY start_hour`,
		day,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list requests for date: %w", err)
	}
	defer reqRows.Close()

	var reqs []*model.PendingRequest
	for reqRows.Next() {
		req, err := scanRequest(reqRows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := reqRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate requests: %w", err)
	}

	sessRows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM booked_sessions
		  WHERE booked_date = $1::date AND status IN ('booked', 'paid')
		  ORDER BY start_hour`,
		day,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list sessions for date: %w", err)
	}
	defer sessRows.Close()

	sessions, err := collectSessions(sessRows)
	if err != nil {
		return nil, nil, err
	}
	return reqs, sessions, nil
}

func collectSessions(rows *sql.Rows) ([]*model.BookedSession, error) {
	var sessions []*model.BookedSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booked session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate booked sessions: %w", err)
	}
	return sessions, nil
}

// compile-time interface check
var _ ReservationRepository = (*PostgresReservationRepo)(nil)
