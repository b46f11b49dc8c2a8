package auth

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// Well-known endpoints.
const (
	DefaultTokenURI         = "https://oauth2.googleapis.com/token"
	DefaultMetadataEndpoint = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"
)

const serviceAccountType = "service_account"

// Credential is the base material a Manager turns into access tokens. It is
// a closed set: *ServiceAccountKey, *MetadataServer, or *StaticToken.
// Credentials are immutable once loaded.
type Credential interface {
	// Subject names the principal. Used for logging and token cache matching.
	Subject() string

	isCredential()
}

// ServiceAccountKey is a parsed service-account key document. The private
// key is held opaquely and only ever used through signing functions.
type ServiceAccountKey struct {
	ClientEmail  string
	PrivateKeyID string
	TokenURI     string

	key crypto.Signer
}

// Subject returns the service account email.
func (k *ServiceAccountKey) Subject() string { return k.ClientEmail }

func (*ServiceAccountKey) isCredential() {}

// MetadataServer obtains tokens from the ambient compute metadata endpoint.
type MetadataServer struct {
	Endpoint string
}

// Subject identifies the metadata endpoint's default service account.
func (m *MetadataServer) Subject() string { return "metadata:" + m.Endpoint }

func (*MetadataServer) isCredential() {}

// StaticToken is an externally supplied access token. It never expires and
// is never refreshed.
type StaticToken struct {
	Value string
}

// Subject returns a fixed marker; static tokens carry no identity.
func (*StaticToken) Subject() string { return "static" }

func (*StaticToken) isCredential() {}

// NewMetadataServer returns a metadata credential. An empty endpoint selects
// DefaultMetadataEndpoint.
func NewMetadataServer(endpoint string) *MetadataServer {
	if endpoint == "" {
		endpoint = DefaultMetadataEndpoint
	}

	return &MetadataServer{Endpoint: endpoint}
}

// keyFile is the on-disk JSON layout of a service-account key.
type keyFile struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccountKey parses a service-account key document. The token
// URI defaults to DefaultTokenURI when absent.
func ParseServiceAccountKey(data []byte) (*ServiceAccountKey, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, &AuthError{Op: "load", Err: fmt.Errorf("%w: %w", ErrInvalidKey, err)}
	}

	if kf.Type != serviceAccountType {
		return nil, &AuthError{Op: "load", Err: fmt.Errorf("%w: type %q is not %q", ErrInvalidKey, kf.Type, serviceAccountType)}
	}

	if kf.ClientEmail == "" {
		return nil, &AuthError{Op: "load", Err: fmt.Errorf("%w: missing client_email", ErrInvalidKey)}
	}

	signer, err := parsePrivateKey(kf.PrivateKey)
	if err != nil {
		return nil, &AuthError{Op: "load", Err: fmt.Errorf("%w: %w", ErrInvalidKey, err)}
	}

	tokenURI := kf.TokenURI
	if tokenURI == "" {
		tokenURI = DefaultTokenURI
	}

	return &ServiceAccountKey{
		ClientEmail:  kf.ClientEmail,
		PrivateKeyID: kf.PrivateKeyID,
		TokenURI:     tokenURI,
		key:          signer,
	}, nil
}

// LoadServiceAccountFile reads and parses a key document from path.
func LoadServiceAccountFile(path string) (*ServiceAccountKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &AuthError{Op: "load", Err: fmt.Errorf("reading %s: %w", path, err)}
	}

	return ParseServiceAccountKey(data)
}

// parsePrivateKey decodes a PEM block holding a PKCS#8 or PKCS#1 key. Only
// RSA and Ed25519 keys are accepted.
func parsePrivateKey(text string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("private_key is not PEM encoded")
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		switch k := parsed.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported private key type %T", parsed)
		}
	}

	k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	return k, nil
}

// DetectOptions lists the credential sources in the order Detect tries them.
type DetectOptions struct {
	Token            string // explicit access token
	CredentialsFile  string // service-account key path
	MetadataEndpoint string // used when UseMetadata is set
	UseMetadata      bool
}

// Detect picks a credential: an explicit token wins, then a key file, then
// the metadata server. Returns ErrNoCredentials when nothing is configured.
func Detect(opts DetectOptions) (Credential, error) {
	if tok := strings.TrimSpace(opts.Token); tok != "" {
		return &StaticToken{Value: tok}, nil
	}

	if opts.CredentialsFile != "" {
		return LoadServiceAccountFile(opts.CredentialsFile)
	}

	if opts.UseMetadata {
		return NewMetadataServer(opts.MetadataEndpoint), nil
	}

	return nil, &AuthError{Op: "load", Err: ErrNoCredentials}
}
