package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestVault_RoundTrip(t *testing.T) {
	vault, err := NewVault(testMasterKey())
	require.NoError(t, err)

	plaintext := []byte(`{"secret_key":"sk_test_123"}`)
	ciphertext, err := vault.Encrypt("org-1", plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := vault.Decrypt("org-1", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestVault_WrongContextFails(t *testing.T) {
	vault, err := NewVault(testMasterKey())
	require.NoError(t, err)

	ciphertext, err := vault.Encrypt("org-1", []byte("secret"))
	require.NoError(t, err)

	// A blob lifted from one tenant's row must not open under another's id.
	_, err = vault.Decrypt("org-2", ciphertext)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestVault_WrongKeyFails(t *testing.T) {
	vault1, err := NewVault(testMasterKey())
	require.NoError(t, err)
	vault2, err := NewVault(bytes.Repeat([]byte{0x43}, 32))
	require.NoError(t, err)

	ciphertext, err := vault1.Encrypt("org-1", []byte("secret"))
	require.NoError(t, err)

	_, err = vault2.Decrypt("org-1", ciphertext)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestVault_TruncatedCiphertext(t *testing.T) {
	vault, err := NewVault(testMasterKey())
	require.NoError(t, err)

	_, err = vault.Decrypt("org-1", []byte("short"))
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = vault.Decrypt("org-1", nil)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestVault_NonceVariesPerMessage(t *testing.T) {
	vault, err := NewVault(testMasterKey())
	require.NoError(t, err)

	a, err := vault.Encrypt("org-1", []byte("same plaintext"))
	require.NoError(t, err)
	b, err := vault.Encrypt("org-1", []byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVault_Reencrypt(t *testing.T) {
	oldVault, err := NewVault(testMasterKey())
	require.NoError(t, err)
	newVault, err := NewVault(bytes.Repeat([]byte{0x99}, 32))
	require.NoError(t, err)

	ciphertext, err := oldVault.Encrypt("project-1", []byte("signing key"))
	require.NoError(t, err)

	rotated, err := newVault.Reencrypt(oldVault, "project-1", ciphertext)
	require.NoError(t, err)

	_, err = oldVault.Decrypt("project-1", rotated)
	assert.ErrorIs(t, err, ErrDecryption)

	decrypted, err := newVault.Decrypt("project-1", rotated)
	require.NoError(t, err)
	assert.Equal(t, []byte("signing key"), decrypted)
}

func TestNewVault_RejectsBadKeySize(t *testing.T) {
	_, err := NewVault([]byte("too short"))
	assert.Error(t, err)

	_, err = NewVault(bytes.Repeat([]byte{0x01}, 64))
	assert.Error(t, err)
}
