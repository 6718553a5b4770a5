package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/server/models"
)

const (
	// RefreshTokenBytes is the amount of randomness in a refresh token.
	RefreshTokenBytes = 64
	// DefaultRefreshTokenTTL is the refresh token lifetime when none is configured.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// GenerateRefreshToken returns a fresh opaque refresh token.
func GenerateRefreshToken() string {
	return base64.StdEncoding.EncodeToString(common.GenerateRandByteArray(RefreshTokenBytes))
}

// HashRefreshToken returns the digest under which a refresh token is stored.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NewRefreshTokenRecord builds an active record for digest expiring ttl after now.
func NewRefreshTokenRecord(userID, digest string, ttl time.Duration, now time.Time) *models.RefreshToken {
	return &models.RefreshToken{
		UserID:    userID,
		TokenHash: digest,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}
