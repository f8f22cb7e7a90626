package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/studiobook/internal/model"
)

// PostgresIdentityRepo は外部IdPアカウントとユーザーの紐付けを保存する。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	const q = `SELECT id, user_id, provider, provider_user_id, created_at
		FROM identities
		WHERE provider = $1 AND provider_user_id = $2`

	var ident model.Identity
	err := r.db.QueryRowContext(ctx, q, provider, providerUserID).
		Scan(&ident.ID, &ident.UserID, &ident.Provider, &ident.ProviderUserID, &ident.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find %s identity: %w", provider, err)
	}
	return &ident, nil
}

// Create は既存ユーザーにidentityを紐付ける。
// 同じIdPアカウントが別ユーザーに紐付いている場合は一意制約違反をそのまま返す。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	const q = `INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, q,
		identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID, identity.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("identity %s/%s is already linked: %w", identity.Provider, identity.ProviderUserID, err)
		}
		return fmt.Errorf("failed to link identity: %w", err)
	}
	return nil
}

var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
