// Package refreshtokens declares the repository contract for refresh token
// digests.
package refreshtokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/chatgate/internal/server/models"
)

// Repository stores refresh token digests. Raw tokens are never persisted.
type Repository interface {
	// Create inserts an active record and fills its ID and CreatedAt.
	Create(ctx context.Context, token *models.RefreshToken) error

	// FindByHashForUpdate returns the newest record with the digest and locks
	// it until the surrounding transaction ends. common.ErrorNotFound when absent.
	FindByHashForUpdate(ctx context.Context, hash string) (*models.RefreshToken, error)

	// Revoke marks the record revoked, optionally linking its successor. It
	// reports false when the record was already revoked.
	Revoke(ctx context.Context, id int64, replacedByHash *string, at time.Time) (bool, error)
}
