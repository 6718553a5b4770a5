package models

import "time"

// User is an application account. Upstream chat credentials live in
// UpstreamCredential, never on the user row.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
