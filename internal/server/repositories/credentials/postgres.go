package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/dbx"
	"github.com/dmitrijs2005/chatgate/internal/server/models"
	"github.com/dmitrijs2005/chatgate/internal/server/repositories/pgerr"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, cred *models.UpstreamCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}

	query :=
		`INSERT INTO upstream_credentials (id, user_id, upstream_email, token_encrypted, token_nonce)
         VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		cred.ID, cred.UserID, cred.UpstreamEmail, cred.TokenEncrypted, cred.TokenNonce).
		Scan(&cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		if pgerr.IsUniqueViolation(err) {
			return common.ErrorConflict
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, cred *models.UpstreamCredential) error {
	query :=
		`UPDATE upstream_credentials
		 SET upstream_email = $2, token_encrypted = $3, token_nonce = $4, updated_at = now()
		 WHERE user_id = $1
		 `

	res, err := r.db.ExecContext(ctx, query, cred.UserID, cred.UpstreamEmail, cred.TokenEncrypted, cred.TokenNonce)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) GetByUserID(ctx context.Context, userID string) (*models.UpstreamCredential, error) {
	query :=
		`SELECT id, user_id, upstream_email, token_encrypted, token_nonce, created_at, updated_at
		 FROM upstream_credentials
		 WHERE user_id = $1
		 `

	c := &models.UpstreamCredential{}
	err := r.db.QueryRowContext(ctx, query, userID).
		Scan(&c.ID, &c.UserID, &c.UpstreamEmail, &c.TokenEncrypted, &c.TokenNonce, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}
