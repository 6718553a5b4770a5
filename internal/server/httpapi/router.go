// Package httpapi is the browser-facing HTTP surface: account and session
// endpoints, chat pass-throughs to the upstream server, the SSE event stream
// and health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/logging"
	"github.com/dmitrijs2005/chatgate/internal/server/auth"
	"github.com/dmitrijs2005/chatgate/internal/server/mediacache"
	"github.com/dmitrijs2005/chatgate/internal/server/models"
	"github.com/dmitrijs2005/chatgate/internal/server/relay"
	"github.com/dmitrijs2005/chatgate/internal/server/services"
	"github.com/dmitrijs2005/chatgate/internal/server/upstream"
)

const (
	DefaultMaxRequestBytes = 1 << 20
	DefaultGlobalRPM       = 1000
)

type UserService interface {
	Register(ctx context.Context, in services.RegisterInput) (*models.User, error)
	Login(ctx context.Context, email, password string) (*services.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*services.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	Me(ctx context.Context, userID string) (*models.User, error)
	UpdateCredential(ctx context.Context, userID string, login services.UpstreamLogin) error
}

type CredentialResolver interface {
	Resolve(ctx context.Context, userID string) (services.UpstreamLogin, error)
}

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Upstream is the chat server client used by the handlers.
type Upstream interface {
	relay.Poller
	Get(ctx context.Context, creds upstream.Credentials, path string, query url.Values) (*upstream.Response, error)
	PostForm(ctx context.Context, creds upstream.Credentials, path string, form url.Values) (*upstream.Response, error)
	PostFile(ctx context.Context, creds upstream.Credentials, path, field, filename string, data []byte) (*upstream.Response, error)
	Fetch(ctx context.Context, creds upstream.Credentials, ref string) (*upstream.Response, error)
	ServerSettings(ctx context.Context) (json.RawMessage, error)
	BaseURL() string
}

type MediaCache interface {
	Get(ctx context.Context, userID, ref string) (*mediacache.Item, bool, error)
	Put(ctx context.Context, userID, ref string, item mediacache.Item) error
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators and tunables of the router. Media is optional.
type Deps struct {
	Users           UserService
	Credentials     CredentialResolver
	Tokens          TokenVerifier
	Upstream        Upstream
	Media           MediaCache
	Store           Pinger
	Logger          logging.Logger
	RateLimitRPM    int
	GlobalRPM       int
	AllowedOrigins  []string
	RelayBackoff    time.Duration
	MaxRequestBytes int64
}

type Router struct {
	users           UserService
	credentials     CredentialResolver
	tokens          TokenVerifier
	upstream        Upstream
	media           MediaCache
	store           Pinger
	logger          logging.Logger
	limiter         *RateLimiter
	global          *RateLimiter
	relayBackoff    time.Duration
	maxRequestBytes int64
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.MaxRequestBytes <= 0 {
		d.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if d.GlobalRPM == 0 {
		d.GlobalRPM = DefaultGlobalRPM
	}

	r := &Router{
		users:           d.Users,
		credentials:     d.Credentials,
		tokens:          d.Tokens,
		upstream:        d.Upstream,
		media:           d.Media,
		store:           d.Store,
		logger:          d.Logger.With("module", "httpapi"),
		limiter:         NewRateLimiter(d.RateLimitRPM),
		global:          NewRateLimiter(d.GlobalRPM),
		relayBackoff:    d.RelayBackoff,
		maxRequestBytes: d.MaxRequestBytes,
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(r.requestLogger)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	mux.Use(r.global.Global)

	mux.Get("/health", r.handleHealth)
	mux.Get("/health/ready", r.handleReady)

	mux.Route("/api", func(api chi.Router) {
		api.Group(func(pub chi.Router) {
			pub.Use(r.limiter.PerClient)
			pub.Post("/auth/register", r.handleRegister)
			pub.Post("/auth/login", r.handleLogin)
			pub.Post("/auth/refresh", r.handleRefresh)
			pub.Post("/auth/logout", r.handleLogout)
		})

		api.Group(func(pr chi.Router) {
			pr.Use(r.authMiddleware(false))
			pr.Use(r.limiter.PerClient)
			pr.Get("/auth/me", r.handleMe)
			pr.Put("/auth/zulip", r.handleUpdateZulip)

			pr.Get("/streams", r.handleStreams)
			pr.Get("/streams/{streamID:[0-9]+}/topics", r.handleTopics)
			pr.Get("/streams/{streamID:[0-9]+}/members", r.handleMembers)
			pr.Get("/messages", r.handleMessages)
			pr.Post("/messages", r.handleSendMessage)
			pr.Post("/messages/flags/read", r.handleMarkRead)
			pr.Post("/upload/image", r.handleUploadImage)
			pr.Get("/events/register", r.handleEventsRegister)
		})

		// EventSource and <img> cannot set headers, so these also accept
		// the access token as a query parameter.
		api.Group(func(pr chi.Router) {
			pr.Use(r.authMiddleware(true))
			pr.Use(r.limiter.PerClient)
			pr.Get("/events/stream", r.handleEventStream)
			pr.Get("/proxy/image", r.handleProxyImage)
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var errInvalidJSON = fmt.Errorf("%w: invalid json", common.ErrorValidation)

// decodeJSON reads a size-limited JSON body into dst.
func (r *Router) decodeJSON(w http.ResponseWriter, req *http.Request, dst any) error {
	req.Body = http.MaxBytesReader(w, req.Body, r.maxRequestBytes)
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errRequestTooLarge
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", common.ErrorValidation)
		}
		return errInvalidJSON
	}
	return nil
}

// upstreamCreds resolves the caller's stored upstream credential.
func (r *Router) upstreamCreds(ctx context.Context) (upstream.Credentials, error) {
	login, err := r.credentials.Resolve(ctx, getUserID(ctx))
	if err != nil {
		return upstream.Credentials{}, err
	}
	return upstream.Credentials{Email: login.Email, APIKey: login.Secret}, nil
}
