// Package token mints and verifies the signed license tokens customer
// applications hold. Signing is per-project Ed25519; verification works
// offline against the project's published public key.
package token

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidKeyData = errors.New("invalid key material")
)

// DefaultTTL bounds a token's own lifetime. Perpetual licenses still get
// short-lived tokens; the client re-redeems.
const DefaultTTL = 24 * time.Hour

// Claims is the payload of a license token. Domain claims are
// lowercase-snake; registered claims keep their standard names.
type Claims struct {
	DeviceID   string   `json:"device_id"`
	DeviceType string   `json:"device_type"`
	Tier       string   `json:"tier"`
	Features   []string `json:"features"`
	LicenseExp *int64   `json:"license_exp,omitempty"`
	UpdatesExp *int64   `json:"updates_exp,omitempty"`
	jwt.RegisteredClaims
}

// NewJTI returns a fresh per-device token identifier.
func NewJTI() string {
	return uuid.NewString()
}

// KeyID returns the stable fingerprint of a base64 public key, used as the
// token's kid header and the JWKS kid field.
func KeyID(publicKeyB64 string) string {
	sum := sha256.Sum256([]byte(publicKeyB64))
	return hex.EncodeToString(sum[:8])
}

// GenerateKeypair creates a project signing keypair. Both halves are
// returned base64 encoded; the caller envelope-encrypts the private half.
func GenerateKeypair() (publicB64, privateB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}

// ParsePrivateKey decodes a base64 Ed25519 private key.
func ParsePrivateKey(privateB64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(privateB64)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeyData
	}
	return ed25519.PrivateKey(raw), nil
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(publicB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(publicB64)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidKeyData
	}
	return ed25519.PublicKey(raw), nil
}

// MintParams carries everything Mint needs beyond the key itself.
type MintParams struct {
	ProjectID  string
	LicenseID  string
	JTI        string
	DeviceID   string
	DeviceType string
	Tier       string
	Features   []string
	LicenseExp *int64
	UpdatesExp *int64
	Now        time.Time
}

// Mint signs a claim set with the project private key. exp is iat + license
// lifetime when the license is bounded, clamped to the token's own TTL.
func Mint(priv ed25519.PrivateKey, kid string, p MintParams) (string, error) {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	exp := now.Add(DefaultTTL)
	if p.LicenseExp != nil {
		if licExp := time.Unix(*p.LicenseExp, 0); licExp.Before(exp) {
			exp = licExp
		}
	}

	claims := Claims{
		DeviceID:   p.DeviceID,
		DeviceType: p.DeviceType,
		Tier:       p.Tier,
		Features:   p.Features,
		LicenseExp: p.LicenseExp,
		UpdatesExp: p.UpdatesExp,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.ProjectID,
			Subject:   p.LicenseID,
			ID:        p.JTI,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = kid

	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses a token against a project public key and returns its claims.
// Expired and malformed tokens both come back as ErrInvalidToken.
func Verify(pub ed25519.PublicKey, tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return pub, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// PeekJTI extracts the jti claim without verifying the signature. The server
// uses it to locate the device row; validity is decided by the stored state,
// never by the unverified claims.
func PeekJTI(tokenString string) (string, error) {
	claims := &Claims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil || claims.ID == "" {
		return "", ErrInvalidToken
	}
	return claims.ID, nil
}
