package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintedTestToken(t *testing.T) (string, string, string) {
	t.Helper()
	pub, privB64, err := GenerateKeypair()
	require.NoError(t, err)
	priv, err := ParsePrivateKey(privB64)
	require.NoError(t, err)

	licenseExp := time.Now().Add(365 * 24 * time.Hour).Unix()
	signed, err := Mint(priv, KeyID(pub), MintParams{
		ProjectID:  "project-1",
		LicenseID:  "license-1",
		JTI:        "jti-1",
		DeviceID:   "d1",
		DeviceType: "uuid",
		Tier:       "pro",
		Features:   []string{"pro"},
		LicenseExp: &licenseExp,
	})
	require.NoError(t, err)
	return signed, pub, privB64
}

func TestMintVerify_RoundTrip(t *testing.T) {
	signed, pubB64, _ := mintedTestToken(t)

	pub, err := ParsePublicKey(pubB64)
	require.NoError(t, err)
	claims, err := Verify(pub, signed)
	require.NoError(t, err)

	assert.Equal(t, "project-1", claims.Issuer)
	assert.Equal(t, "license-1", claims.Subject)
	assert.Equal(t, "jti-1", claims.ID)
	assert.Equal(t, "d1", claims.DeviceID)
	assert.Equal(t, "uuid", claims.DeviceType)
	assert.Equal(t, "pro", claims.Tier)
	assert.Equal(t, []string{"pro"}, claims.Features)
	require.NotNil(t, claims.LicenseExp)
	require.NotNil(t, claims.ExpiresAt)
	require.NotNil(t, claims.IssuedAt)
}

func TestVerify_RejectsForeignProjectKey(t *testing.T) {
	signed, _, _ := mintedTestToken(t)

	otherPub, _, err := GenerateKeypair()
	require.NoError(t, err)
	pub, err := ParsePublicKey(otherPub)
	require.NoError(t, err)

	_, err = Verify(pub, signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsTamperedToken(t *testing.T) {
	signed, pubB64, _ := mintedTestToken(t)
	pub, err := ParsePublicKey(pubB64)
	require.NoError(t, err)

	tampered := signed[:len(signed)-4] + "AAAA"
	_, err = Verify(pub, tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Verify(pub, "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMint_ExpClampedToTTL(t *testing.T) {
	pub, privB64, err := GenerateKeypair()
	require.NoError(t, err)
	priv, err := ParsePrivateKey(privB64)
	require.NoError(t, err)

	now := time.Now()

	// Perpetual license: the token still carries its own short expiry.
	signed, err := Mint(priv, KeyID(pub), MintParams{
		ProjectID: "p", LicenseID: "l", JTI: "j",
		DeviceID: "d", DeviceType: "uuid", Now: now,
	})
	require.NoError(t, err)
	pubKey, err := ParsePublicKey(pub)
	require.NoError(t, err)
	claims, err := Verify(pubKey, signed)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(DefaultTTL), claims.ExpiresAt.Time, time.Second)

	// A license expiring before the TTL pulls the token expiry in.
	soonExp := now.Add(time.Hour).Unix()
	signed, err = Mint(priv, KeyID(pub), MintParams{
		ProjectID: "p", LicenseID: "l", JTI: "j2",
		DeviceID: "d", DeviceType: "uuid", LicenseExp: &soonExp, Now: now,
	})
	require.NoError(t, err)
	claims, err = Verify(pubKey, signed)
	require.NoError(t, err)
	assert.Equal(t, soonExp, claims.ExpiresAt.Unix())
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	pub, privB64, err := GenerateKeypair()
	require.NoError(t, err)
	priv, err := ParsePrivateKey(privB64)
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	expired := past.Add(time.Hour).Unix()
	signed, err := Mint(priv, KeyID(pub), MintParams{
		ProjectID: "p", LicenseID: "l", JTI: "j",
		DeviceID: "d", DeviceType: "uuid", LicenseExp: &expired, Now: past,
	})
	require.NoError(t, err)

	pubKey, err := ParsePublicKey(pub)
	require.NoError(t, err)
	_, err = Verify(pubKey, signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPeekJTI(t *testing.T) {
	signed, _, _ := mintedTestToken(t)

	jti, err := PeekJTI(signed)
	require.NoError(t, err)
	assert.Equal(t, "jti-1", jti)

	_, err = PeekJTI("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestKeyID_StablePerKey(t *testing.T) {
	pub1, _, err := GenerateKeypair()
	require.NoError(t, err)
	pub2, _, err := GenerateKeypair()
	require.NoError(t, err)

	assert.Equal(t, KeyID(pub1), KeyID(pub1))
	assert.NotEqual(t, KeyID(pub1), KeyID(pub2))
	assert.Len(t, KeyID(pub1), 16)
}

func TestParseKeys_RejectBadMaterial(t *testing.T) {
	_, err := ParsePrivateKey("not base64!!")
	assert.ErrorIs(t, err, ErrInvalidKeyData)
	_, err = ParsePrivateKey("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrInvalidKeyData)
	_, err = ParsePublicKey("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrInvalidKeyData)
}
