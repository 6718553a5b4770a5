package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/chatgate/internal/flagx"
	"github.com/dmitrijs2005/chatgate/internal/timex"
)

// JsonConfig is the on-disk shape of the optional JSON config file. Durations
// accept "15m" style strings or integer nanoseconds. Absent fields leave the
// current value untouched.
type JsonConfig struct {
	HTTPAddr           string          `json:"http_addr"`
	GRPCHealthAddr     string          `json:"grpc_health_addr"`
	DatabaseDSN        string          `json:"database_dsn"`
	JWTSigningKey      string          `json:"jwt_signing_key"`
	JWTIssuer          string          `json:"jwt_issuer"`
	JWTAudience        string          `json:"jwt_audience"`
	AccessTokenTTL     *timex.Duration `json:"access_token_ttl"`
	RefreshTokenTTL    *timex.Duration `json:"refresh_token_ttl"`
	TokenEncKey        string          `json:"token_enc_key"`
	ZulipBaseURL       string          `json:"zulip_base_url"`
	InviteCode         string          `json:"invite_code"`
	UpstreamTimeout    *timex.Duration `json:"upstream_timeout"`
	RelayBackoff       *timex.Duration `json:"relay_backoff"`
	RateLimitRPM       int             `json:"rate_limit_rpm"`
	LogFormat          string          `json:"log_format"`
	LogLevel           string          `json:"log_level"`
	CORSAllowedOrigins []string        `json:"cors_allowed_origins"`
	ShutdownTimeout    *timex.Duration `json:"shutdown_timeout"`
	S3Bucket           string          `json:"s3_bucket"`
	S3Region           string          `json:"s3_region"`
	S3BaseEndpoint     string          `json:"s3_base_endpoint"`
	S3AccessKey        string          `json:"s3_access_key"`
	S3SecretKey        string          `json:"s3_secret_key"`
}

// parseJson loads the file named by -c/-config, if any, over config.
func parseJson(config *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}

	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&config.HTTPAddr, c.HTTPAddr)
	setStr(&config.GRPCHealthAddr, c.GRPCHealthAddr)
	setStr(&config.DatabaseDSN, c.DatabaseDSN)
	setStr(&config.JWTSigningKey, c.JWTSigningKey)
	setStr(&config.JWTIssuer, c.JWTIssuer)
	setStr(&config.JWTAudience, c.JWTAudience)
	setStr(&config.TokenEncKey, c.TokenEncKey)
	setStr(&config.ZulipBaseURL, c.ZulipBaseURL)
	setStr(&config.InviteCode, c.InviteCode)
	setStr(&config.LogFormat, c.LogFormat)
	setStr(&config.LogLevel, c.LogLevel)
	setStr(&config.S3Bucket, c.S3Bucket)
	setStr(&config.S3Region, c.S3Region)
	setStr(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setStr(&config.S3AccessKey, c.S3AccessKey)
	setStr(&config.S3SecretKey, c.S3SecretKey)

	if c.AccessTokenTTL != nil {
		config.AccessTokenTTL = c.AccessTokenTTL.Duration
	}
	if c.RefreshTokenTTL != nil {
		config.RefreshTokenTTL = c.RefreshTokenTTL.Duration
	}
	if c.UpstreamTimeout != nil {
		config.UpstreamTimeout = c.UpstreamTimeout.Duration
	}
	if c.RelayBackoff != nil {
		config.RelayBackoff = c.RelayBackoff.Duration
	}
	if c.ShutdownTimeout != nil {
		config.ShutdownTimeout = c.ShutdownTimeout.Duration
	}
	if c.RateLimitRPM != 0 {
		config.RateLimitRPM = c.RateLimitRPM
	}
	if c.CORSAllowedOrigins != nil {
		config.CORSAllowedOrigins = c.CORSAllowedOrigins
	}
	return nil
}
