package models

import "time"

// RefreshToken is a stored refresh token digest. Rows are never deleted;
// rotation sets RevokedAt and links ReplacedByHash to the successor.
type RefreshToken struct {
	ID             int64
	UserID         string
	TokenHash      string
	ReplacedByHash *string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	RevokedAt      *time.Time
}

// IsActive reports whether the token can still be exchanged at now.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}
