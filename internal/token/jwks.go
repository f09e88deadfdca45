package token

import (
	"encoding/base64"
)

// JWK is one entry of a project's published key set.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
}

// JWKS is the document served at the per-project JWKS endpoint.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// BuildJWKS assembles a key set from the project's current public key and,
// when the rotation grace window is still open, its previous one. Devices
// that fetched a token just before a rotation keep validating until the
// window closes.
func BuildJWKS(currentB64, previousB64 string, rotatedAt, now, graceSeconds int64) (JWKS, error) {
	set := JWKS{Keys: []JWK{}}

	appendKey := func(b64 string) error {
		pub, err := ParsePublicKey(b64)
		if err != nil {
			return err
		}
		set.Keys = append(set.Keys, JWK{
			Kty: "OKP",
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(pub),
			Kid: KeyID(b64),
			Alg: "EdDSA",
			Use: "sig",
		})
		return nil
	}

	if err := appendKey(currentB64); err != nil {
		return JWKS{}, err
	}
	if previousB64 != "" && rotatedAt > 0 && now < rotatedAt+graceSeconds {
		if err := appendKey(previousB64); err != nil {
			return JWKS{}, err
		}
	}
	return set, nil
}
