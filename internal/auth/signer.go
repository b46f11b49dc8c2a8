package auth

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// KeySigner signs blobs locally with a service-account key. It satisfies the
// same contract as the remote IAM signer, so signed URLs can be built without
// a network round trip when the key is at hand.
type KeySigner struct {
	key *ServiceAccountKey
}

// NewKeySigner returns a signer backed by k.
func NewKeySigner(k *ServiceAccountKey) *KeySigner {
	return &KeySigner{key: k}
}

// Email returns the signing service account.
func (s *KeySigner) Email() string {
	return s.key.ClientEmail
}

// SignBlob signs payload. RSA keys produce an RSASSA-PKCS1-v1_5 SHA-256
// signature; Ed25519 keys sign the payload directly. email must be empty or
// the key's own account.
func (s *KeySigner) SignBlob(_ context.Context, payload []byte, email string) ([]byte, error) {
	if email != "" && email != s.key.ClientEmail {
		return nil, &AuthError{Op: "sign", Err: fmt.Errorf("%w: key belongs to %s, not %s", ErrInvalidKey, s.key.ClientEmail, email)}
	}

	switch k := s.key.key.(type) {
	case *rsa.PrivateKey:
		sum := sha256.Sum256(payload)

		sig, err := rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, sum[:])
		if err != nil {
			return nil, &AuthError{Op: "sign", Err: err}
		}

		return sig, nil
	case ed25519.PrivateKey:
		return ed25519.Sign(k, payload), nil
	default:
		return nil, &AuthError{Op: "sign", Err: fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, s.key.key)}
	}
}
