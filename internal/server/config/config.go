// Package config handles configuration for the server component: defaults,
// dotenv/environment, an optional JSON file and command-line flags, applied
// in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
)

// Config holds runtime settings for the chatgate server.
//
// JWTSigningKey and TokenEncKey are operator secrets; they are read once at
// startup and handed to the token issuer and the vault.
type Config struct {
	HTTPAddr       string
	GRPCHealthAddr string
	DatabaseDSN    string

	JWTSigningKey   string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	TokenEncKey  string
	ZulipBaseURL string
	InviteCode   string

	UpstreamTimeout time.Duration
	RelayBackoff    time.Duration
	RateLimitRPM    int

	LogFormat          string
	LogLevel           string
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration

	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string
	S3AccessKey    string
	S3SecretKey    string
}

// LoadDefaults populates Config with development defaults. Secrets and the
// upstream location have no defaults.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":8080"
	c.GRPCHealthAddr = ":50051"
	c.JWTIssuer = "chatgate"
	c.JWTAudience = "chatgate"
	c.AccessTokenTTL = 15 * time.Minute
	c.RefreshTokenTTL = 7 * 24 * time.Hour
	c.UpstreamTimeout = 100 * time.Second
	c.RelayBackoff = 2 * time.Second
	c.RateLimitRPM = 100
	c.LogFormat = "json"
	c.LogLevel = "info"
	c.CORSAllowedOrigins = []string{"http://localhost:5173"}
	c.ShutdownTimeout = 10 * time.Second
	c.S3Region = "us-east-1"
}

// ErrMissingRequired is returned by Validate when a required setting is empty.
var ErrMissingRequired = errors.New("missing required configuration")

// Validate checks that every required setting is present.
func (c *Config) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"JWT_SIGNING_KEY": c.JWTSigningKey,
		"TOKEN_ENC_KEY":   c.TokenEncKey,
		"ZULIP_BASE_URL":  c.ZulipBaseURL,
		"APP_INVITE_CODE": c.InviteCode,
		"DB_CONNECTION":   c.DatabaseDSN,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	return nil
}

// MediaCacheEnabled reports whether proxied media should be cached in S3.
func (c *Config) MediaCacheEnabled() bool {
	return c.S3Bucket != ""
}

// LoadConfig builds a validated Config from the process arguments and
// environment.
func LoadConfig() (*Config, error) {
	return Load(os.Args[1:], os.LookupEnv)
}

// Load applies defaults, then dotenv and environment, then the JSON file given
// by -c/-config, then flags, and validates the result.
func Load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if err := parseEnv(cfg, args, lookupEnv); err != nil {
		return nil, err
	}
	if err := parseJson(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
