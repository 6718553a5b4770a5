package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/server/auth"
)

func TestRegister(t *testing.T) {
	t.Run("stores user and encrypted credential", func(t *testing.T) {
		f := newFixture(t)

		u := f.register(t, " Alice@Example.com ", "zulip-api-key-123")
		assert.Equal(t, "alice@example.com", u.Email)
		assert.NotEqual(t, "correct horse", u.PasswordHash)

		stored, err := f.store.Credentials(nil).GetByUserID(context.Background(), u.ID)
		require.NoError(t, err)
		assert.NotContains(t, stored.TokenEncrypted, "zulip-api-key-123")
		assert.NotEmpty(t, stored.TokenNonce)

		login, err := f.creds.Resolve(context.Background(), u.ID)
		require.NoError(t, err)
		assert.Equal(t, "bot- Alice@Example.com ", login.Email)
		assert.Equal(t, "zulip-api-key-123", login.Secret)
	})

	t.Run("wrong invite code", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.users.Register(context.Background(), RegisterInput{
			InviteCode: "nope", Email: "a@example.com", Password: "correct horse", ZulipEmail: "z", ZulipToken: "tok",
		})
		require.ErrorIs(t, err, common.ErrInvalidInviteCode)
		assert.Empty(t, f.store.users)
	})

	t.Run("duplicate email", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "a@example.com", "tok-1")

		_, err := f.users.Register(context.Background(), RegisterInput{
			InviteCode: testInvite, Email: "A@example.com", Password: "correct horse", ZulipEmail: "z", ZulipToken: "tok-2",
		})
		require.ErrorIs(t, err, common.ErrorConflict)
	})

	t.Run("credential failure rolls back user", func(t *testing.T) {
		f := newFixture(t)
		f.store.credCreateErr = errors.New("disk full")

		_, err := f.users.Register(context.Background(), RegisterInput{
			InviteCode: testInvite, Email: "a@example.com", Password: "correct horse", ZulipEmail: "z", ZulipToken: "tok",
		})
		require.Error(t, err)
		assert.Empty(t, f.store.users)
	})
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "bob@example.com", "tok")

	t.Run("ok", func(t *testing.T) {
		pair, err := f.users.Login(context.Background(), "BOB@example.com", "correct horse")
		require.NoError(t, err)

		claims, err := f.issuer.Verify(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, u.ID, claims.Subject)
		assert.Equal(t, "bob@example.com", claims.Email)

		rec := f.store.tokenByHash(auth.HashRefreshToken(pair.RefreshToken))
		require.NotNil(t, rec)
		assert.Equal(t, u.ID, rec.UserID)
		assert.True(t, rec.IsActive(f.clock.Now()))
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := f.users.Login(context.Background(), "bob@example.com", "battery staple")
		require.ErrorIs(t, err, common.ErrorUnauthorized)
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := f.users.Login(context.Background(), "carol@example.com", "correct horse")
		require.ErrorIs(t, err, common.ErrorUnauthorized)
	})
}

func TestRefreshToken_OneTimeUse(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dave@example.com", "tok")
	ctx := context.Background()

	p0, err := f.users.Login(ctx, "dave@example.com", "correct horse")
	require.NoError(t, err)

	p1, err := f.users.RefreshToken(ctx, p0.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, p0.RefreshToken, p1.RefreshToken)

	p2, err := f.users.RefreshToken(ctx, p1.RefreshToken)
	require.NoError(t, err)

	r0 := f.store.tokenByHash(auth.HashRefreshToken(p0.RefreshToken))
	require.NotNil(t, r0.RevokedAt)
	require.NotNil(t, r0.ReplacedByHash)
	assert.Equal(t, auth.HashRefreshToken(p1.RefreshToken), *r0.ReplacedByHash)

	f.clock.Advance(DefaultReuseGrace + time.Second)
	_, err = f.users.RefreshToken(ctx, p0.RefreshToken)
	require.ErrorIs(t, err, common.ErrRefreshTokenReused)
	assert.True(t, common.IsAuthError(err))

	// reuse of r0 revokes the live descendant r2
	r2 := f.store.tokenByHash(auth.HashRefreshToken(p2.RefreshToken))
	require.NotNil(t, r2.RevokedAt)

	_, err = f.users.RefreshToken(ctx, p2.RefreshToken)
	require.ErrorIs(t, err, common.ErrRefreshTokenReused)
}

func TestRefreshToken_Rejections(t *testing.T) {
	f := newFixture(t)
	f.register(t, "erin@example.com", "tok")
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		_, err := f.users.RefreshToken(ctx, auth.GenerateRefreshToken())
		require.ErrorIs(t, err, common.ErrorUnauthorized)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := f.users.RefreshToken(ctx, "")
		require.ErrorIs(t, err, common.ErrorUnauthorized)
	})

	t.Run("expired token", func(t *testing.T) {
		p, err := f.users.Login(ctx, "erin@example.com", "correct horse")
		require.NoError(t, err)

		f.clock.Advance(7*24*time.Hour + time.Second)
		_, err = f.users.RefreshToken(ctx, p.RefreshToken)
		require.ErrorIs(t, err, common.ErrRefreshTokenExpired)
		assert.True(t, common.IsAuthError(err))
	})
}

func TestRefreshToken_ConcurrentRotationHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "frank@example.com", "tok")
	ctx := context.Background()

	p0, err := f.users.Login(ctx, "frank@example.com", "correct horse")
	require.NoError(t, err)

	const attempts = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		winner  *TokenPair
		errs    []error
		barrier = make(chan struct{})
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-barrier
			pair, err := f.users.RefreshToken(ctx, p0.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				winner = pair
				return
			}
			errs = append(errs, err)
		}()
	}
	close(barrier)
	wg.Wait()

	assert.Equal(t, 1, wins)
	require.Len(t, errs, attempts-1)
	for _, err := range errs {
		assert.ErrorIs(t, err, common.ErrRefreshTokenReused)
		assert.NotErrorIs(t, err, common.ErrorNotFound)
	}

	require.NotNil(t, winner)
	assert.Equal(t, 1, f.store.activeTokens(u.ID, f.clock.Now()))
	rec := f.store.tokenByHash(auth.HashRefreshToken(winner.RefreshToken))
	require.NotNil(t, rec)
	assert.Nil(t, rec.RevokedAt)

	next, err := f.users.RefreshToken(ctx, winner.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, winner.RefreshToken, next.RefreshToken)
	assert.Equal(t, 1, f.store.activeTokens(u.ID, f.clock.Now()))
}

func TestRefreshToken_ReuseGraceWindow(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "hana@example.com", "tok")
	ctx := context.Background()

	p0, err := f.users.Login(ctx, "hana@example.com", "correct horse")
	require.NoError(t, err)
	p1, err := f.users.RefreshToken(ctx, p0.RefreshToken)
	require.NoError(t, err)

	t.Run("inside window keeps successor", func(t *testing.T) {
		f.clock.Advance(DefaultReuseGrace / 2)
		_, err := f.users.RefreshToken(ctx, p0.RefreshToken)
		require.ErrorIs(t, err, common.ErrRefreshTokenReused)

		r1 := f.store.tokenByHash(auth.HashRefreshToken(p1.RefreshToken))
		require.NotNil(t, r1)
		assert.Nil(t, r1.RevokedAt)
		assert.Equal(t, 1, f.store.activeTokens(u.ID, f.clock.Now()))
	})

	t.Run("after window revokes chain", func(t *testing.T) {
		f.clock.Advance(DefaultReuseGrace)
		_, err := f.users.RefreshToken(ctx, p0.RefreshToken)
		require.ErrorIs(t, err, common.ErrRefreshTokenReused)

		r1 := f.store.tokenByHash(auth.HashRefreshToken(p1.RefreshToken))
		require.NotNil(t, r1)
		assert.NotNil(t, r1.RevokedAt)
		assert.Equal(t, 0, f.store.activeTokens(u.ID, f.clock.Now()))
	})
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.register(t, "gina@example.com", "tok")
	ctx := context.Background()

	p, err := f.users.Login(ctx, "gina@example.com", "correct horse")
	require.NoError(t, err)

	require.NoError(t, f.users.Logout(ctx, p.RefreshToken))
	require.NoError(t, f.users.Logout(ctx, p.RefreshToken))

	_, err = f.users.RefreshToken(ctx, p.RefreshToken)
	require.ErrorIs(t, err, common.ErrRefreshTokenReused)

	require.ErrorIs(t, f.users.Logout(ctx, "never-issued"), common.ErrorUnauthorized)
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "hank@example.com", "tok")

	got, err := f.users.Me(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "hank@example.com", got.Email)

	_, err = f.users.Me(context.Background(), "")
	require.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = f.users.Me(context.Background(), "ghost")
	require.ErrorIs(t, err, common.ErrorNotFound)
}
