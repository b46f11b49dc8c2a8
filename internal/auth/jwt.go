package auth

import (
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// assertionLifetime is the validity window requested for each JWT bearer
// assertion. The token endpoint caps it at one hour.
const assertionLifetime = time.Hour

// jwtBearerGrant is the OAuth2 grant type for service-account assertions.
const jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// assertionClaims are the claims the token endpoint requires. Scope is a
// space-joined list, not an array.
type assertionClaims struct {
	jwt.Claims
	Scope string `json:"scope"`
}

// signingAlgorithm maps a parsed key to its JWS algorithm.
func signingAlgorithm(k *ServiceAccountKey) (jose.SignatureAlgorithm, error) {
	switch k.key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, k.key)
	}
}

// buildAssertion signs a JWT for k. iss is the service account, aud the
// token URI, and the assertion is valid from now for assertionLifetime.
func buildAssertion(k *ServiceAccountKey, scopes []string, now time.Time) (string, error) {
	alg, err := signingAlgorithm(k)
	if err != nil {
		return "", &AuthError{Op: "assert", Err: err}
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: jose.JSONWebKey{Key: k.key, KeyID: k.PrivateKeyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", &AuthError{Op: "assert", Err: fmt.Errorf("creating signer: %w", err)}
	}

	claims := assertionClaims{
		Claims: jwt.Claims{
			Issuer:   k.ClientEmail,
			Audience: jwt.Audience{k.TokenURI},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(assertionLifetime)),
		},
		Scope: strings.Join(scopes, " "),
	}

	raw, err := jwt.Signed(sig).Claims(claims).Serialize()
	if err != nil {
		return "", &AuthError{Op: "assert", Err: fmt.Errorf("signing assertion: %w", err)}
	}

	return raw, nil
}
