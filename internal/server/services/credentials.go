package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/cryptox"
	"github.com/dmitrijs2005/chatgate/internal/dbx"
	"github.com/dmitrijs2005/chatgate/internal/server/models"
	"github.com/dmitrijs2005/chatgate/internal/server/repositories/repomanager"
)

// UpstreamLogin is a decrypted upstream chat credential. It must never be
// logged or returned to the browser.
type UpstreamLogin struct {
	Email  string
	Secret string
}

// CredentialService stores upstream credentials encrypted and resolves them
// for a user on demand.
type CredentialService struct {
	db          dbx.DBTX
	repomanager repomanager.RepositoryManager
	vault       *cryptox.Vault
}

func NewCredentialService(db dbx.DBTX, m repomanager.RepositoryManager, vault *cryptox.Vault) *CredentialService {
	return &CredentialService{db: db, repomanager: m, vault: vault}
}

// Resolve returns the decrypted upstream credential of userID. An empty
// userID is ErrorUnauthorized; a user without a credential is ErrorNotFound.
func (s *CredentialService) Resolve(ctx context.Context, userID string) (UpstreamLogin, error) {
	if userID == "" {
		return UpstreamLogin{}, common.ErrorUnauthorized
	}

	cred, err := s.repomanager.Credentials(s.db).GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return UpstreamLogin{}, common.ErrorNotFound
		}
		return UpstreamLogin{}, fmt.Errorf("error loading credential: %w", err)
	}

	secret, err := s.vault.DecryptString(cred.TokenEncrypted, cred.TokenNonce)
	if err != nil {
		return UpstreamLogin{}, fmt.Errorf("%w: credential decrypt: %v", common.ErrorInternal, err)
	}

	return UpstreamLogin{Email: cred.UpstreamEmail, Secret: secret}, nil
}

// Store encrypts and inserts the first credential of userID using db, which
// may be a transaction.
func (s *CredentialService) Store(ctx context.Context, db dbx.DBTX, userID string, login UpstreamLogin) error {
	cred, err := s.seal(userID, login)
	if err != nil {
		return err
	}
	if err := s.repomanager.Credentials(db).Create(ctx, cred); err != nil {
		return fmt.Errorf("error storing credential: %w", err)
	}
	return nil
}

// Replace overwrites the credential of userID. ErrorNotFound when the user
// has none.
func (s *CredentialService) Replace(ctx context.Context, userID string, login UpstreamLogin) error {
	if userID == "" {
		return common.ErrorUnauthorized
	}
	cred, err := s.seal(userID, login)
	if err != nil {
		return err
	}
	if err := s.repomanager.Credentials(s.db).Update(ctx, cred); err != nil {
		return fmt.Errorf("error replacing credential: %w", err)
	}
	return nil
}

func (s *CredentialService) seal(userID string, login UpstreamLogin) (*models.UpstreamCredential, error) {
	ct, nonce, err := s.vault.EncryptString(login.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: credential encrypt: %v", common.ErrorInternal, err)
	}
	return &models.UpstreamCredential{
		UserID:         userID,
		UpstreamEmail:  login.Email,
		TokenEncrypted: ct,
		TokenNonce:     nonce,
	}, nil
}
