// Package services contains server-side business logic: account
// registration and login, access/refresh token issuance and rotation, and
// upstream credential resolution.
package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/dbx"
	"github.com/dmitrijs2005/chatgate/internal/logging"
	"github.com/dmitrijs2005/chatgate/internal/passhash"
	"github.com/dmitrijs2005/chatgate/internal/server/auth"
	"github.com/dmitrijs2005/chatgate/internal/server/models"
	"github.com/dmitrijs2005/chatgate/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/chatgate/internal/timex"
)

// maxChainLength bounds the replaced_by_hash walk on reuse.
const maxChainLength = 1000

// DefaultReuseGrace is how long after its rotation a token presented again is
// treated as a lost concurrent race rather than theft.
const DefaultReuseGrace = 10 * time.Second

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// RegisterInput carries a registration request after validation.
type RegisterInput struct {
	InviteCode string
	Email      string
	Password   string
	ZulipEmail string
	ZulipToken string
}

// UserServiceOptions are the tunables of UserService.
type UserServiceOptions struct {
	InviteCode      string
	RefreshTokenTTL time.Duration
	// ReuseGrace is the window after revocation in which a repeated
	// presentation fails without revoking the chain.
	ReuseGrace      time.Duration
	Clock           timex.Clock
	Logger          logging.Logger
}

// UserService provides account and session operations.
type UserService struct {
	db          dbx.DBTX
	tx          dbx.Transactor
	repomanager repomanager.RepositoryManager
	issuer      *auth.Issuer
	credentials *CredentialService
	inviteCode  string
	refreshTTL  time.Duration
	reuseGrace  time.Duration
	clock       timex.Clock
	logger      logging.Logger
	dummyHash   string
}

func NewUserService(db dbx.DBTX, tx dbx.Transactor, m repomanager.RepositoryManager,
	issuer *auth.Issuer, creds *CredentialService, opts UserServiceOptions) *UserService {
	if opts.RefreshTokenTTL <= 0 {
		opts.RefreshTokenTTL = auth.DefaultRefreshTokenTTL
	}
	if opts.ReuseGrace <= 0 {
		opts.ReuseGrace = DefaultReuseGrace
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	// Verified against on unknown emails so login timing does not reveal them.
	seed, _ := common.MakeRandHexString(16)
	dummy, _ := passhash.Hash(seed)
	return &UserService{
		db:          db,
		tx:          tx,
		repomanager: m,
		issuer:      issuer,
		credentials: creds,
		inviteCode:  opts.InviteCode,
		refreshTTL:  opts.RefreshTokenTTL,
		reuseGrace:  opts.ReuseGrace,
		clock:       opts.Clock,
		logger:      opts.Logger.With("module", "users"),
		dummyHash:   dummy,
	}
}

// Register creates an account and stores its encrypted upstream credential in
// one transaction.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if subtle.ConstantTimeCompare([]byte(in.InviteCode), []byte(s.inviteCode)) != 1 {
		return nil, common.ErrInvalidInviteCode
	}

	hash, err := passhash.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}

	user := &models.User{Email: normalizeEmail(in.Email), PasswordHash: hash}
	err = s.tx.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.repomanager.Users(tx).Create(ctx, user); err != nil {
			return err
		}
		return s.credentials.Store(ctx, tx, user.ID, UpstreamLogin{Email: in.ZulipEmail, Secret: in.ZulipToken})
	})
	if err != nil {
		if errors.Is(err, common.ErrorConflict) {
			return nil, common.ErrorConflict
		}
		return nil, fmt.Errorf("error creating user: %w", err)
	}

	s.logger.Info(ctx, "user registered", "user_id", user.ID)
	return user, nil
}

// Login checks the password and issues a first token pair.
func (s *UserService) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	user, err := s.repomanager.Users(s.db).GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			_, _ = passhash.Verify(s.dummyHash, password)
			return nil, common.ErrorUnauthorized
		}
		return nil, fmt.Errorf("error loading user: %w", err)
	}

	ok, err := passhash.Verify(user.PasswordHash, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	if !ok {
		return nil, common.ErrorUnauthorized
	}

	var pair *TokenPair
	err = s.tx.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		pair, err = s.generateTokenPair(ctx, tx, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Me returns the account behind userID.
func (s *UserService) Me(ctx context.Context, userID string) (*models.User, error) {
	if userID == "" {
		return nil, common.ErrorUnauthorized
	}
	return s.repomanager.Users(s.db).GetByID(ctx, userID)
}

// UpdateCredential replaces the user's upstream credential.
func (s *UserService) UpdateCredential(ctx context.Context, userID string, login UpstreamLogin) error {
	return s.credentials.Replace(ctx, userID, login)
}

// errReuse carries the revoked record out of the rotation transaction so the
// descendant chain can be revoked in a transaction of its own.
type errReuse struct {
	record *models.RefreshToken
}

func (e *errReuse) Error() string { return common.ErrRefreshTokenReused.Error() }
func (e *errReuse) Unwrap() error { return common.ErrRefreshTokenReused }

// RefreshToken exchanges a refresh token for a new pair. The presented token is
// revoked and linked to its successor in the same transaction, under a row
// lock, so concurrent presentations of one token produce a single winner.
//
// Presenting an already revoked token fails with ErrRefreshTokenReused. When
// the revocation is older than the reuse grace window every active descendant
// is revoked as well; inside the window the caller lost a race to a concurrent
// rotation and the winner's token stays valid.
func (s *UserService) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, common.ErrorUnauthorized
	}
	digest := auth.HashRefreshToken(refreshToken)

	var pair *TokenPair
	err := s.tx.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.RefreshTokens(tx)
		now := s.clock.Now()

		current, err := repo.FindByHashForUpdate(ctx, digest)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return common.ErrorUnauthorized
			}
			return fmt.Errorf("error searching refresh token: %w", err)
		}
		if current.RevokedAt != nil {
			if now.Sub(*current.RevokedAt) < s.reuseGrace {
				return common.ErrRefreshTokenReused
			}
			return &errReuse{record: current}
		}
		if !current.ExpiresAt.After(now) {
			return common.ErrRefreshTokenExpired
		}

		user, err := s.repomanager.Users(tx).GetByID(ctx, current.UserID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return common.ErrorUnauthorized
			}
			return fmt.Errorf("error loading user: %w", err)
		}

		next := auth.GenerateRefreshToken()
		nextDigest := auth.HashRefreshToken(next)

		revoked, err := repo.Revoke(ctx, current.ID, &nextDigest, now)
		if err != nil {
			return fmt.Errorf("error revoking refresh token: %w", err)
		}
		if !revoked {
			return common.ErrRefreshTokenReused
		}

		if err := repo.Create(ctx, auth.NewRefreshTokenRecord(user.ID, nextDigest, s.refreshTTL, now)); err != nil {
			return fmt.Errorf("error storing refresh token: %w", err)
		}

		access, err := s.issuer.Issue(auth.Principal{UserID: user.ID, Email: user.Email})
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrorInternal, err)
		}
		pair = &TokenPair{AccessToken: access, RefreshToken: next}
		return nil
	})

	var reuse *errReuse
	if errors.As(err, &reuse) {
		s.logger.Warn(ctx, "refresh token reuse detected", "user_id", reuse.record.UserID, "token_id", reuse.record.ID)
		if rerr := s.revokeDescendants(ctx, reuse.record); rerr != nil {
			s.logger.Error(ctx, "revoking refresh token chain failed", "user_id", reuse.record.UserID, "error", rerr)
		}
		return nil, common.ErrRefreshTokenReused
	}
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Logout revokes the presented refresh token. Revoking an already revoked
// token succeeds.
func (s *UserService) Logout(ctx context.Context, refreshToken string) error {
	digest := auth.HashRefreshToken(refreshToken)
	return s.tx.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.RefreshTokens(tx)
		current, err := repo.FindByHashForUpdate(ctx, digest)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return common.ErrorUnauthorized
			}
			return fmt.Errorf("error searching refresh token: %w", err)
		}
		if current.RevokedAt != nil {
			return nil
		}
		if _, err := repo.Revoke(ctx, current.ID, nil, s.clock.Now()); err != nil {
			return fmt.Errorf("error revoking refresh token: %w", err)
		}
		return nil
	})
}

// revokeDescendants walks replaced_by_hash forward from start and revokes
// every still active successor.
func (s *UserService) revokeDescendants(ctx context.Context, start *models.RefreshToken) error {
	return s.tx.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.RefreshTokens(tx)
		now := s.clock.Now()
		next := start.ReplacedByHash

		for i := 0; next != nil && i < maxChainLength; i++ {
			rec, err := repo.FindByHashForUpdate(ctx, *next)
			if err != nil {
				if errors.Is(err, common.ErrorNotFound) {
					return nil
				}
				return err
			}
			if rec.RevokedAt == nil {
				if _, err := repo.Revoke(ctx, rec.ID, nil, now); err != nil {
					return err
				}
			}
			next = rec.ReplacedByHash
		}
		return nil
	})
}

func (s *UserService) generateTokenPair(ctx context.Context, db dbx.DBTX, user *models.User) (*TokenPair, error) {
	access, err := s.issuer.Issue(auth.Principal{UserID: user.ID, Email: user.Email})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}

	refresh := auth.GenerateRefreshToken()
	rec := auth.NewRefreshTokenRecord(user.ID, auth.HashRefreshToken(refresh), s.refreshTTL, s.clock.Now())
	if err := s.repomanager.RefreshTokens(db).Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("error storing refresh token: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
