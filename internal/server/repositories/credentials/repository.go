// Package credentials stores encrypted upstream chat credentials, one row per
// user.
package credentials

import (
	"context"

	"github.com/dmitrijs2005/chatgate/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, cred *models.UpstreamCredential) error
	// Update replaces the user's credential wholesale; common.ErrorNotFound
	// when the user has none.
	Update(ctx context.Context, cred *models.UpstreamCredential) error
	GetByUserID(ctx context.Context, userID string) (*models.UpstreamCredential, error)
}
