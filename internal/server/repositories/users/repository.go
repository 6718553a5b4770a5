// Package users stores application accounts.
package users

import (
	"context"

	"github.com/dmitrijs2005/chatgate/internal/server/models"
)

type Repository interface {
	// Create inserts the user, assigning an ID when empty. A duplicate email
	// yields common.ErrorConflict.
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
}
