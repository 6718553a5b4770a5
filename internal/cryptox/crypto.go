// Package cryptox implements the secret vault that protects upstream
// credentials at rest with AES-256-GCM.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/chatgate/internal/common"
)

const (
	// NonceSize is the size of the random GCM nonce generated per call.
	NonceSize = 12
	// TagSize is the size of the authentication tag appended to the ciphertext.
	TagSize = 16
)

// ErrDecrypt is returned whenever a ciphertext cannot be authenticated:
// tampering, wrong key, wrong nonce or a truncated payload.
var ErrDecrypt = errors.New("cryptox: message authentication failed")

// Vault encrypts and decrypts small secrets with a key derived once from an
// operator supplied secret. A Vault is immutable and safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// DeriveKey turns operator key material into a 32-byte AES-256 key.
func DeriveKey(keyMaterial string) []byte {
	sum := sha256.Sum256([]byte(keyMaterial))
	return sum[:]
}

// NewVault builds a Vault keyed by SHA-256(keyMaterial).
func NewVault(keyMaterial string) (*Vault, error) {
	if keyMaterial == "" {
		return nil, errors.New("cryptox: empty key material")
	}

	key := DeriveKey(keyMaterial)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesgcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, err
	}

	return &Vault{aead: aesgcm}, nil
}

// Encrypt seals plaintext with a fresh random 12-byte nonce.
// The returned ciphertext carries the 16-byte tag at its end.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("cryptox: nonce: %w", err)
	}

	ciphertext = v.aead.Seal(nil, nonce, plaintext, nil)

	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext produced by Encrypt. It never returns partially
// decrypted data: any failure yields ErrDecrypt.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize || len(ciphertext) < TagSize {
		return nil, ErrDecrypt
	}

	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return plaintext, nil
}

// EncryptString is the storage-facing variant of Encrypt: both outputs are
// standard base64 strings.
func (v *Vault) EncryptString(plaintext string) (ciphertext, nonce string, err error) {
	ct, n, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(n), nil
}

// DecryptString reverses EncryptString. Malformed base64 is treated as a
// verification failure.
func (v *Vault) DecryptString(ciphertext, nonce string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext encoding", ErrDecrypt)
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("%w: nonce encoding", ErrDecrypt)
	}

	plaintext, err := v.Decrypt(ct, n)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
