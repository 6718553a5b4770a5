// Package common contains shared constants and sentinel errors used across
// chatgate components.
package common

// AuthorizationHeaderName is the HTTP header carrying the bearer access token.
const AuthorizationHeaderName = "Authorization"

// BearerPrefix prefixes the access token inside AuthorizationHeaderName.
const BearerPrefix = "Bearer "
