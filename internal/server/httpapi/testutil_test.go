package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/server/auth"
	"github.com/dmitrijs2005/chatgate/internal/server/mediacache"
	"github.com/dmitrijs2005/chatgate/internal/server/models"
	"github.com/dmitrijs2005/chatgate/internal/server/services"
	"github.com/dmitrijs2005/chatgate/internal/server/upstream"
)

const (
	testUserID     = "7b0e7f4e-3a52-4a5e-9a51-0e7f4e3a5240"
	testUserEmail  = "alice@example.com"
	zulipEmail     = "alice-bot@zulip.example.com"
	zulipAPIKey    = "zulip-api-key-123"
	validRefresh   = "rrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrr"
	testSigningKey = "test-signing-key"
)

type fakeUsers struct {
	mu          sync.Mutex
	registerErr error
	loginErr    error
	refreshErr  error
	logoutErr   error
	updateErr   error
	registered  []services.RegisterInput
	updated     []services.UpstreamLogin
	loggedOut   []string
}

func (f *fakeUsers) Register(_ context.Context, in services.RegisterInput) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.registered = append(f.registered, in)
	return &models.User{ID: testUserID, Email: in.Email}, nil
}

func (f *fakeUsers) Login(_ context.Context, email, password string) (*services.TokenPair, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &services.TokenPair{AccessToken: "access-for-" + email, RefreshToken: "refresh-1"}, nil
}

func (f *fakeUsers) RefreshToken(_ context.Context, token string) (*services.TokenPair, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &services.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
}

func (f *fakeUsers) Logout(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logoutErr != nil {
		return f.logoutErr
	}
	f.loggedOut = append(f.loggedOut, token)
	return nil
}

func (f *fakeUsers) Me(_ context.Context, userID string) (*models.User, error) {
	if userID != testUserID {
		return nil, common.ErrorNotFound
	}
	return &models.User{ID: testUserID, Email: testUserEmail}, nil
}

func (f *fakeUsers) UpdateCredential(_ context.Context, userID string, login services.UpstreamLogin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, login)
	return nil
}

type fakeCreds map[string]services.UpstreamLogin

func (f fakeCreds) Resolve(_ context.Context, userID string) (services.UpstreamLogin, error) {
	if userID == "" {
		return services.UpstreamLogin{}, common.ErrorUnauthorized
	}
	login, ok := f[userID]
	if !ok {
		return services.UpstreamLogin{}, common.ErrorNotFound
	}
	return login, nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type memMedia struct {
	mu    sync.Mutex
	items map[string]mediacache.Item
}

func newMemMedia() *memMedia { return &memMedia{items: map[string]mediacache.Item{}} }

func (m *memMedia) Get(_ context.Context, userID, ref string) (*mediacache.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[mediacache.Key(userID, ref)]
	if !ok {
		return nil, false, nil
	}
	return &it, true, nil
}

func (m *memMedia) Put(_ context.Context, userID, ref string, item mediacache.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[mediacache.Key(userID, ref)] = item
	return nil
}

type testEnv struct {
	handler http.Handler
	users   *fakeUsers
	zulip   *httptest.Server
	issuer  *auth.Issuer
	token   string
}

type envOption func(*Deps)

// newTestEnv wires a router to a fake upstream chat server served by zulip.
func newTestEnv(t *testing.T, zulip http.Handler, opts ...envOption) *testEnv {
	t.Helper()

	if zulip == nil {
		zulip = http.NotFoundHandler()
	}
	srv := httptest.NewServer(zulip)
	t.Cleanup(srv.Close)

	client, err := upstream.New(srv.URL, 5*time.Second, upstream.WithRetry(0, time.Millisecond))
	require.NoError(t, err)

	issuer, err := auth.NewIssuer("chatgate", "chatgate", []byte(testSigningKey))
	require.NoError(t, err)
	token, err := issuer.Issue(auth.Principal{UserID: testUserID, Email: testUserEmail})
	require.NoError(t, err)

	users := &fakeUsers{}
	deps := Deps{
		Users:          users,
		Credentials:    fakeCreds{testUserID: {Email: zulipEmail, Secret: zulipAPIKey}},
		Tokens:         issuer,
		Upstream:       client,
		Store:          fakePinger{},
		RateLimitRPM:   1000,
		AllowedOrigins: []string{"http://localhost:5173"},
		RelayBackoff:   time.Millisecond,
	}
	for _, o := range opts {
		o(&deps)
	}

	return &testEnv{handler: NewRouter(deps), users: users, zulip: srv, issuer: issuer, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+e.token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// zulipAuthOK reports whether req carries the stored upstream credential.
func zulipAuthOK(req *http.Request) bool {
	u, p, ok := req.BasicAuth()
	return ok && u == zulipEmail && p == zulipAPIKey
}
