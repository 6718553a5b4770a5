package models

import "time"

// UpstreamCredential is a user's upstream chat login. TokenEncrypted and
// TokenNonce are base64 encoded AES-GCM output.
type UpstreamCredential struct {
	ID             string
	UserID         string
	UpstreamEmail  string
	TokenEncrypted string
	TokenNonce     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
