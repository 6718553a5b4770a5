package config

import (
	"flag"
	"io"
	"time"

	"github.com/dmitrijs2005/chatgate/internal/flagx"
)

// parseFlags overlays short command-line flags.
//
//	-a string   HTTP bind address
//	-g string   gRPC health bind address
//	-d string   PostgreSQL DSN
//	-s string   JWT signing key
//	-k string   upstream credential encryption key
//	-z string   upstream chat base URL
//	-i string   invite code
//	-l string   log format (json, text, zap)
//	-t int      access token lifetime, minutes
//	-r int      refresh token lifetime, minutes
//	-q int      requests per minute per user or IP
//
// Other arguments (-c, -env-file) are filtered out before parsing.
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, []string{"-a", "-g", "-d", "-s", "-k", "-z", "-i", "-l", "-t", "-r", "-q"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "HTTP address and port")
	fs.StringVar(&config.GRPCHealthAddr, "g", config.GRPCHealthAddr, "gRPC health address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.JWTSigningKey, "s", config.JWTSigningKey, "JWT signing key")
	fs.StringVar(&config.TokenEncKey, "k", config.TokenEncKey, "credential encryption key")
	fs.StringVar(&config.ZulipBaseURL, "z", config.ZulipBaseURL, "upstream base URL")
	fs.StringVar(&config.InviteCode, "i", config.InviteCode, "invite code")
	fs.StringVar(&config.LogFormat, "l", config.LogFormat, "log format")

	accessTTL := fs.Int("t", int(config.AccessTokenTTL.Minutes()), "access token lifetime (in minutes)")
	refreshTTL := fs.Int("r", int(config.RefreshTokenTTL.Minutes()), "refresh token lifetime (in minutes)")
	fs.IntVar(&config.RateLimitRPM, "q", config.RateLimitRPM, "requests per minute")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t":
			config.AccessTokenTTL = time.Duration(*accessTTL) * time.Minute
		case "r":
			config.RefreshTokenTTL = time.Duration(*refreshTTL) * time.Minute
		}
	})
	return nil
}
