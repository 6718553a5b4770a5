package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/chatgate/internal/common"
)

type contextKey string

const (
	userIDContextKey    contextKey = "userID"
	requestIDContextKey contextKey = "requestID"

	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"
)

// requestLogger assigns a request id and logs every completed request.
func (r *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		id := req.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(req.Context(), requestIDContextKey, id)

		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.logger.Info(ctx, "request",
			"request_id", id,
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// authMiddleware requires a valid access token. With allowQuery the token may
// also come from the access_token query parameter.
func (r *Router) authMiddleware(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token := bearerToken(req)
			if token == "" && allowQuery {
				token = req.URL.Query().Get("access_token")
			}
			if token == "" {
				r.writeError(w, req, common.ErrorUnauthorized)
				return
			}

			claims, err := r.tokens.Verify(token)
			if err != nil {
				r.writeError(w, req, err)
				return
			}

			ctx := context.WithValue(req.Context(), userIDContextKey, claims.Subject)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func bearerToken(req *http.Request) string {
	authz := req.Header.Get(common.AuthorizationHeaderName)
	if !strings.HasPrefix(authz, common.BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, common.BearerPrefix))
}

func getUserID(ctx context.Context) string {
	if v := ctx.Value(userIDContextKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDContextKey).(string); ok {
		return v
	}
	return ""
}

// clientKey partitions rate limits by user when authenticated, by address
// otherwise.
func clientKey(req *http.Request) string {
	if id := getUserID(req.Context()); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return "ip:" + host
}
