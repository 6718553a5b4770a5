package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dmitrijs2005/chatgate/internal/flagx"
)

const defaultEnvFile = ".env"

// parseEnv overlays settings from the process environment and a dotenv file.
// Real environment variables win over the file. The file is taken from
// -env-file; a missing default .env is not an error.
func parseEnv(cfg *Config, args []string, lookupEnv func(string) (string, bool)) error {
	path := flagx.EnvFilePath(args)
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}

	fileVars, err := godotenv.Read(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading env file %s: %w", path, err)
		}
		fileVars = map[string]string{}
	}

	get := func(key string) (string, bool) {
		if lookupEnv != nil {
			if v, ok := lookupEnv(key); ok {
				return v, true
			}
		}
		v, ok := fileVars[key]
		return v, ok
	}

	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := get(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_HEALTH_ADDR", &cfg.GRPCHealthAddr)
	str("DB_CONNECTION", &cfg.DatabaseDSN)
	str("JWT_SIGNING_KEY", &cfg.JWTSigningKey)
	str("JWT_ISSUER", &cfg.JWTIssuer)
	str("JWT_AUDIENCE", &cfg.JWTAudience)
	str("TOKEN_ENC_KEY", &cfg.TokenEncKey)
	str("ZULIP_BASE_URL", &cfg.ZulipBaseURL)
	str("APP_INVITE_CODE", &cfg.InviteCode)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("S3_BUCKET", &cfg.S3Bucket)
	str("S3_REGION", &cfg.S3Region)
	str("S3_ENDPOINT", &cfg.S3BaseEndpoint)
	str("S3_ACCESS_KEY", &cfg.S3AccessKey)
	str("S3_SECRET_KEY", &cfg.S3SecretKey)

	for key, dst := range map[string]*time.Duration{
		"ACCESS_TOKEN_TTL":  &cfg.AccessTokenTTL,
		"REFRESH_TOKEN_TTL": &cfg.RefreshTokenTTL,
		"UPSTREAM_TIMEOUT":  &cfg.UpstreamTimeout,
		"RELAY_BACKOFF":     &cfg.RelayBackoff,
		"SHUTDOWN_TIMEOUT":  &cfg.ShutdownTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v, ok := get("RATE_LIMIT_RPM"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_RPM: %w", err)
		}
		cfg.RateLimitRPM = n
	}

	if v, ok := get("CORS_ALLOWED_ORIGINS"); ok {
		cfg.CORSAllowedOrigins = splitList(v)
	}

	return nil
}

func splitList(v string) []string {
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
