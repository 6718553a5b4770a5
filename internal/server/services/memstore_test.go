package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/cryptox"
	"github.com/dmitrijs2005/chatgate/internal/dbx"
	"github.com/dmitrijs2005/chatgate/internal/server/auth"
	"github.com/dmitrijs2005/chatgate/internal/server/models"
	"github.com/dmitrijs2005/chatgate/internal/server/repositories/credentials"
	"github.com/dmitrijs2005/chatgate/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/chatgate/internal/server/repositories/users"
	"github.com/dmitrijs2005/chatgate/internal/timex"
)

// memStore is an in-memory RepositoryManager and Transactor. Transactions are
// serialised, which stands in for the row lock taken by FindByHashForUpdate,
// and roll back on error.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	users  map[string]*models.User
	creds  map[string]*models.UpstreamCredential
	tokens []*models.RefreshToken
	nextID int64

	credCreateErr error
}

func newMemStore() *memStore {
	return &memStore{
		users: map[string]*models.User{},
		creds: map[string]*models.UpstreamCredential{},
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	usersSnap := make(map[string]*models.User, len(m.users))
	for k, v := range m.users {
		c := *v
		usersSnap[k] = &c
	}
	credsSnap := make(map[string]*models.UpstreamCredential, len(m.creds))
	for k, v := range m.creds {
		c := *v
		credsSnap[k] = &c
	}
	tokensSnap := make([]*models.RefreshToken, len(m.tokens))
	for i, v := range m.tokens {
		c := *v
		tokensSnap[i] = &c
	}
	m.mu.Unlock()

	if err := fn(ctx, nil); err != nil {
		m.mu.Lock()
		m.users, m.creds, m.tokens = usersSnap, credsSnap, tokensSnap
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) RunMigrations(context.Context, *sql.DB) error { return nil }

func (m *memStore) Users(dbx.DBTX) users.Repository             { return memUsers{m} }
func (m *memStore) Credentials(dbx.DBTX) credentials.Repository { return memCreds{m} }
func (m *memStore) RefreshTokens(dbx.DBTX) refreshtokens.Repository {
	return memTokens{m}
}

func (m *memStore) tokenByHash(hash string) *models.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.tokens) - 1; i >= 0; i-- {
		if m.tokens[i].TokenHash == hash {
			c := *m.tokens[i]
			return &c
		}
	}
	return nil
}

type memUsers struct{ m *memStore }

func (r memUsers) Create(_ context.Context, u *models.User) (*models.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.users {
		if existing.Email == u.Email {
			return nil, common.ErrorConflict
		}
	}
	if u.ID == "" {
		u.ID = "user-" + u.Email
	}
	u.CreatedAt = time.Now()
	c := *u
	r.m.users[u.ID] = &c
	return u, nil
}

func (r memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, u := range r.m.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r memUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *u
	return &c, nil
}

type memCreds struct{ m *memStore }

func (r memCreds) Create(_ context.Context, cred *models.UpstreamCredential) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.credCreateErr != nil {
		return r.m.credCreateErr
	}
	if _, ok := r.m.creds[cred.UserID]; ok {
		return common.ErrorConflict
	}
	c := *cred
	r.m.creds[cred.UserID] = &c
	return nil
}

func (r memCreds) Update(_ context.Context, cred *models.UpstreamCredential) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.creds[cred.UserID]; !ok {
		return common.ErrorNotFound
	}
	c := *cred
	r.m.creds[cred.UserID] = &c
	return nil
}

func (r memCreds) GetByUserID(_ context.Context, userID string) (*models.UpstreamCredential, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.creds[userID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	out := *c
	return &out, nil
}

type memTokens struct{ m *memStore }

func (r memTokens) Create(_ context.Context, t *models.RefreshToken) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.nextID++
	t.ID = r.m.nextID
	c := *t
	r.m.tokens = append(r.m.tokens, &c)
	return nil
}

func (r memTokens) FindByHashForUpdate(_ context.Context, hash string) (*models.RefreshToken, error) {
	if t := r.m.tokenByHash(hash); t != nil {
		return t, nil
	}
	return nil, common.ErrorNotFound
}

func (r memTokens) Revoke(_ context.Context, id int64, replacedBy *string, at time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, t := range r.m.tokens {
		if t.ID == id {
			if t.RevokedAt != nil {
				return false, nil
			}
			when := at
			t.RevokedAt = &when
			if replacedBy != nil {
				h := *replacedBy
				t.ReplacedByHash = &h
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) activeTokens(userID string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.UserID == userID && t.IsActive(now) {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *memStore
	clock  *testClock
	issuer *auth.Issuer
	creds  *CredentialService
	users  *UserService
}

const testInvite = "let-me-in"

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	clk := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	issuer, err := auth.NewIssuer("chatgate", "chatgate", []byte("jwt-secret"), auth.WithClock(timex.Clock(clk.Now)))
	require.NoError(t, err)

	vault, err := cryptox.NewVault("enc-secret")
	require.NoError(t, err)

	creds := NewCredentialService(nil, store, vault)
	svc := NewUserService(nil, store, store, issuer, creds, UserServiceOptions{
		InviteCode:      testInvite,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		Clock:           timex.Clock(clk.Now),
	})

	return &fixture{store: store, clock: clk, issuer: issuer, creds: creds, users: svc}
}

func (f *fixture) register(t *testing.T, email, zulipToken string) *models.User {
	t.Helper()
	u, err := f.users.Register(context.Background(), RegisterInput{
		InviteCode: testInvite,
		Email:      email,
		Password:   "correct horse",
		ZulipEmail: "bot-" + email,
		ZulipToken: zulipToken,
	})
	require.NoError(t, err)
	return u
}
