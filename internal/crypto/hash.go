package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// emailDomainSep keeps email fingerprints from colliding with any other
// SHA-256 use in the system.
const emailDomainSep = "paycheck-email-v1:"

// HashEmail produces the stable fingerprint stored on licenses in place of a
// cleartext address. Normalization: lowercase, trim surrounding whitespace.
func HashEmail(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(emailDomainSep + normalized))
	return hex.EncodeToString(sum[:])
}

// HashSecret hashes API keys and activation codes for comparison-safe
// storage. Lookups query by hash, never by plaintext.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// APIKeyPrefix is the literal prefix of every bearer credential.
const APIKeyPrefix = "pc_"

// GenerateAPIKey returns a new bearer credential: "pc_" + 32 lowercase hex
// characters (a random UUID without hyphens), plus its storage hash.
func GenerateAPIKey() (key, hash string) {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	key = APIKeyPrefix + raw
	return key, HashSecret(key)
}

// keyAlphabet excludes the ambiguous characters I, L, O, 0 and 1.
const keyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// randomKeyGroups returns n dash-joined groups of four alphabet characters.
func randomKeyGroups(n int) (string, error) {
	raw := make([]byte, n*4)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	groups := make([]string, n)
	for g := 0; g < n; g++ {
		var b strings.Builder
		for i := 0; i < 4; i++ {
			b.WriteByte(keyAlphabet[int(raw[g*4+i])%len(keyAlphabet)])
		}
		groups[g] = b.String()
	}
	return strings.Join(groups, "-"), nil
}

// GenerateLicenseKey returns "<prefix>-XXXX-XXXX-XXXX-XXXX".
func GenerateLicenseKey(prefix string) (string, error) {
	groups, err := randomKeyGroups(4)
	if err != nil {
		return "", err
	}
	return prefix + "-" + groups, nil
}

// GenerateActivationCode returns a code in the license-key format, plus its
// storage hash. The plaintext leaves the server exactly once, on the
// delivery channel.
func GenerateActivationCode(prefix string) (code, hash string, err error) {
	code, err = GenerateLicenseKey(prefix)
	if err != nil {
		return "", "", err
	}
	return code, HashSecret(code), nil
}
