// Package crypto holds the key vault, the identity hasher, and the
// credential generators. Everything here is immutable after construction.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryption is returned for any ciphertext that fails to open. The cause
// (wrong key, wrong context, truncated blob) is deliberately not surfaced.
var ErrDecryption = errors.New("decryption failed")

// Vault envelope-encrypts per-tenant secrets under the process master key.
// The tenant id is bound as associated data, so a ciphertext lifted from one
// org's row cannot be replayed on another's.
type Vault struct {
	key []byte
}

// NewVault creates a vault over a 32-byte master key.
func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext bound to context. The 12-byte random nonce is
// prepended to the ciphertext.
func (v *Vault) Encrypt(context string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte(context)), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same context.
func (v *Vault) Decrypt(context string, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, ErrDecryption
	}
	nonce, sealed := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(context))
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Reencrypt opens a blob under the old vault and seals it under v, keeping
// the same context. Used by master key rotation.
func (v *Vault) Reencrypt(old *Vault, context string, ciphertext []byte) ([]byte, error) {
	plaintext, err := old.Decrypt(context, ciphertext)
	if err != nil {
		return nil, err
	}
	return v.Encrypt(context, plaintext)
}
