package token

import (
	"crypto/ed25519"

	lru "github.com/hashicorp/golang-lru/v2"
)

// signerEntry is a decrypted, parsed project signing key.
type signerEntry struct {
	priv ed25519.PrivateKey
	kid  string
}

// SignerCache memoizes envelope-decrypted project signing keys so the vault
// is consulted once per project, not once per redemption. Entries are
// evicted explicitly on project update and implicitly by the LRU bound.
type SignerCache struct {
	cache *lru.Cache[string, signerEntry]
}

// NewSignerCache creates a cache bounded to size projects.
func NewSignerCache(size int) (*SignerCache, error) {
	c, err := lru.New[string, signerEntry](size)
	if err != nil {
		return nil, err
	}
	return &SignerCache{cache: c}, nil
}

// Get returns the cached signer for a project, if present.
func (s *SignerCache) Get(projectID string) (ed25519.PrivateKey, string, bool) {
	e, ok := s.cache.Get(projectID)
	if !ok {
		return nil, "", false
	}
	return e.priv, e.kid, true
}

// Put stores a decrypted signer for a project.
func (s *SignerCache) Put(projectID string, priv ed25519.PrivateKey, kid string) {
	s.cache.Add(projectID, signerEntry{priv: priv, kid: kid})
}

// Evict drops a project's signer, e.g. after a key rotation.
func (s *SignerCache) Evict(projectID string) {
	s.cache.Remove(projectID)
}
