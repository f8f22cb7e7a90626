package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/studiobook/internal/model"
)

// PostgresInviteRepo はPostgreSQLを使用した招待リポジトリ。
type PostgresInviteRepo struct {
	db *sql.DB
}

// NewPostgresInviteRepo はPostgresInviteRepoを生成する。
func NewPostgresInviteRepo(db *sql.DB) *PostgresInviteRepo {
	return &PostgresInviteRepo{db: db}
}

const inviteColumns = `id, email, role, token, COALESCE(invited_by::text, ''), used, expires_at, created_at`

func scanInvite(row rowScanner) (*model.Invite, error) {
	inv := &model.Invite{}
	var role string
	if err := row.Scan(&inv.ID, &inv.Email, &role, &inv.Token, &inv.InvitedBy, &inv.Used, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
		return nil, err
	}
	inv.Role = model.Role(role)
	return inv, nil
}

// FindLatestUnusedByEmail はメールアドレス宛ての未使用の招待のうち最新のものを返す。
func (r *PostgresInviteRepo) FindLatestUnusedByEmail(ctx context.Context, email string) (*model.Invite, error) {
	inv, err := scanInvite(r.db.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM invites
		  WHERE lower(email) = lower($1) AND NOT used
		  ORDER BY created_at DESC LIMIT 1`,
		email,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find invite by email: %w", err)
	}
	return inv, nil
}

// FindByToken はトークンで招待を取得する。見つからない場合はnilを返す。
func (r *PostgresInviteRepo) FindByToken(ctx context.Context, token string) (*model.Invite, error) {
	inv, err := scanInvite(r.db.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE token = $1`, token))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find invite by token: %w", err)
	}
	return inv, nil
}

// Create は招待を作成する。
func (r *PostgresInviteRepo) Create(ctx context.Context, inv *model.Invite) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invites (id, email, role, token, invited_by, used, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, false, $6, $7)`,
		inv.ID, inv.Email, string(inv.Role), inv.Token, nullableUUID(inv.InvitedBy), inv.ExpiresAt, inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create invite: %w", err)
	}
	return nil
}

// Reissue は期限切れの招待に新しいトークン・ロール・有効期限を設定する。
func (r *PostgresInviteRepo) Reissue(ctx context.Context, id, token string, role model.Role, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invites SET token = $2, expires_at = $3, role = $4 WHERE id = $1 AND NOT used`,
		id, token, expiresAt, string(role),
	)
	if err != nil {
		return fmt.Errorf("failed to reissue invite: %w", err)
	}
	return nil
}

// Accept は招待を使用済みにし、ユーザーのロールを更新する。
func (r *PostgresInviteRepo) Accept(ctx context.Context, inviteID, userID string, role model.Role) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE invites SET used = true WHERE id = $1 AND NOT used`, inviteID)
	if err != nil {
		return fmt.Errorf("failed to mark invite used: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewInviteUsedError()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET role = $2, updated_at = now() WHERE id = $1`, userID, string(role)); err != nil {
		return fmt.Errorf("failed to update user role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ InviteRepository = (*PostgresInviteRepo)(nil)
