package crypto

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmail_StableUnderNormalization(t *testing.T) {
	base := HashEmail("alice@example.com")

	tests := []struct {
		name  string
		email string
	}{
		{"uppercase", "ALICE@EXAMPLE.COM"},
		{"mixed case", "Alice@Example.Com"},
		{"leading whitespace", "  alice@example.com"},
		{"trailing whitespace", "alice@example.com  "},
		{"both", "\talice@example.com \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, base, HashEmail(tt.email))
		})
	}

	assert.NotEqual(t, base, HashEmail("bob@example.com"))
}

func TestHashEmail_DomainSeparated(t *testing.T) {
	// The fingerprint must differ from a bare SHA-256 of the address.
	assert.NotEqual(t, HashSecret("alice@example.com"), HashEmail("alice@example.com"))
}

func TestHashSecret_Deterministic(t *testing.T) {
	a := HashSecret("pc_0123456789abcdef0123456789abcdef")
	b := HashSecret("pc_0123456789abcdef0123456789abcdef")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, HashSecret("pc_different"))
}

func TestGenerateAPIKey_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^pc_[0-9a-f]{32}$`)
	seen := make(map[string]bool)

	for i := 0; i < 50; i++ {
		key, hash := GenerateAPIKey()
		require.Regexp(t, pattern, key)
		assert.Equal(t, HashSecret(key), hash)
		assert.False(t, seen[key], "generated a duplicate key")
		seen[key] = true
	}
}

func TestGenerateLicenseKey_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^ACME(-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{4}){4}$`)

	for i := 0; i < 50; i++ {
		key, err := GenerateLicenseKey("ACME")
		require.NoError(t, err)
		assert.Regexp(t, pattern, key)
	}
}

func TestGenerateLicenseKey_ExcludesAmbiguousCharacters(t *testing.T) {
	for i := 0; i < 200; i++ {
		key, err := GenerateLicenseKey("X")
		require.NoError(t, err)
		body := strings.TrimPrefix(key, "X-")
		assert.NotContains(t, body, "I")
		assert.NotContains(t, body, "L")
		assert.NotContains(t, body, "O")
		assert.NotContains(t, body, "0")
		assert.NotContains(t, body, "1")
	}
}

func TestGenerateActivationCode(t *testing.T) {
	code, hash, err := GenerateActivationCode("PC")
	require.NoError(t, err)
	assert.Regexp(t, `^PC(-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{4}){4}$`, code)
	assert.Equal(t, HashSecret(code), hash)
}
