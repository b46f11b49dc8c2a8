// Package iam signs byte blobs with a service account's system-managed key
// through the IAM Credentials signBlob endpoint. Callers use it to build
// signed URLs when no private key is available locally, such as on compute
// instances authenticated through the metadata server.
package iam

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	iamcredentials "google.golang.org/api/iamcredentials/v1"

	"github.com/tonimelisma/gcs-go/internal/transport"
)

// Scope is the OAuth2 scope the signer's token must carry.
const Scope = "https://www.googleapis.com/auth/iam"

// DefaultBaseURL is the production IAM Credentials endpoint.
const DefaultBaseURL = "https://iamcredentials.googleapis.com"

const maxResponseBytes = 1 << 20

// Sentinel errors. Use errors.Is(err, iam.ErrMissingSignature) to check.
var (
	ErrMissingSignature = errors.New("iam: response carries no usable signedBlob")
	ErrSignRejected     = errors.New("iam: signBlob rejected")
	ErrNoEmail          = errors.New("iam: service account email required")
)

// SignError reports a failed signBlob call. StatusCode is 0 when no HTTP
// response was received; Err then holds the token or transport failure.
type SignError struct {
	Email      string
	StatusCode int
	Body       string
	Err        error
}

func (e *SignError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("iam: signBlob for %s: HTTP %d: %v: %s", e.Email, e.StatusCode, e.Err, e.Body)
	}

	return fmt.Sprintf("iam: signBlob for %s: %v", e.Email, e.Err)
}

func (e *SignError) Unwrap() error {
	return e.Err
}

// TokenSource provides bearer tokens carrying Scope. *auth.Manager
// satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client calls signBlob. It owns its token source: Close closes it when the
// source implements io.Closer.
type Client struct {
	httpClient *http.Client
	ownsClient bool
	baseURL    string
	tokens     TokenSource
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Defaults to transport.Default().
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBaseURL points the client at a different endpoint (tests, emulators).
func WithBaseURL(u string) Option {
	return func(cl *Client) {
		cl.baseURL = strings.TrimRight(u, "/")
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// NewClient returns a signer that authenticates with tokens.
func NewClient(tokens TokenSource, opts ...Option) *Client {
	if tokens == nil {
		panic("iam: NewClient called with nil TokenSource")
	}

	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = transport.Default()
		c.ownsClient = true
	}

	return c
}

// SignBlob returns the raw signature of payload made with email's
// system-managed key.
func (c *Client) SignBlob(ctx context.Context, payload []byte, email string) ([]byte, error) {
	if email == "" {
		return nil, &SignError{Err: ErrNoEmail}
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &SignError{Email: email, Err: fmt.Errorf("obtaining token: %w", err)}
	}

	body, err := json.Marshal(&iamcredentials.SignBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, &SignError{Email: email, Err: fmt.Errorf("encoding request: %w", err)}
	}

	endpoint := c.baseURL + "/v1/projects/-/serviceAccounts/" + url.PathEscape(email) + ":signBlob"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &SignError{Email: email, Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("signing blob",
		slog.String("email", email),
		slog.Int("payload_bytes", len(payload)),
	)

	resp, err := transport.Do(c.httpClient, req)
	if err != nil {
		return nil, &SignError{Email: email, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &SignError{Email: email, Err: &transport.Error{Method: req.Method, URL: transport.Redact(req.URL), Err: err}}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &SignError{Email: email, StatusCode: resp.StatusCode, Body: string(data), Err: ErrSignRejected}
	}

	var sr iamcredentials.SignBlobResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, &SignError{Email: email, Err: fmt.Errorf("%w: %w", ErrMissingSignature, err)}
	}

	if sr.SignedBlob == "" {
		return nil, &SignError{Email: email, Err: ErrMissingSignature}
	}

	sig, err := base64.StdEncoding.DecodeString(sr.SignedBlob)
	if err != nil {
		return nil, &SignError{Email: email, Err: fmt.Errorf("%w: %w", ErrMissingSignature, err)}
	}

	return sig, nil
}

// Close releases the token source when it is closable, and idle
// connections of a client-owned HTTP client.
func (c *Client) Close() error {
	if c.ownsClient {
		c.httpClient.CloseIdleConnections()
	}

	if closer, ok := c.tokens.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}
