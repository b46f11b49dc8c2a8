package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"google.golang.org/api/googleapi"

	"github.com/tonimelisma/gcs-go/internal/transport"
)

// DefaultEndpoint is the production service root.
const DefaultEndpoint = "https://storage.googleapis.com"

// OAuth2 scopes for the storage API.
const (
	ScopeReadOnly    = "https://www.googleapis.com/auth/devstorage.read_only"
	ScopeReadWrite   = "https://www.googleapis.com/auth/devstorage.read_write"
	ScopeFullControl = "https://www.googleapis.com/auth/devstorage.full_control"
)

// Transfer defaults.
const (
	DefaultChunkSize          = 8 << 20
	DefaultResumableThreshold = 5 << 20
	ChunkAlignment            = 256 << 10 // non-final resumable chunks are multiples of this
)

// Retry and backoff constants.
const (
	maxRetries       = 5
	baseBackoff      = 1 * time.Second
	maxBackoff       = 60 * time.Second
	jitterPercent    = 25
	defaultUserAgent = "gcs-go/0.1"
)

// TokenSource provides bearer tokens. Defined at the consumer per the Go
// convention "accept interfaces, return structs"; *auth.Manager satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Signer signs blobs on behalf of a service account. *iam.Client and
// *auth.KeySigner satisfy it.
type Signer interface {
	SignBlob(ctx context.Context, payload []byte, email string) ([]byte, error)
}

// Client is an HTTP client for the storage JSON API.
// It handles request construction, authentication, retry of idempotent
// calls with exponential backoff, and error classification.
type Client struct {
	endpoint           string
	httpClient         *http.Client
	ownsClient         bool
	tokens             TokenSource
	signer             Signer
	signerEmail        string
	logger             *slog.Logger
	userAgent          string
	chunkSize          int64
	resumableThreshold int64

	// newBackoff builds the retry policy for one call. Tests override it to
	// avoid real delays.
	newBackoff func() retry.Backoff

	// newID returns idempotency tokens and multipart boundaries.
	newID func() string
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint points the client at a different service root (emulators,
// tests). Both the JSON API and the upload API live under it.
func WithEndpoint(u string) Option {
	return func(c *Client) {
		c.endpoint = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the HTTP client. Defaults to transport.Default(), so
// every call has bounded dial and response-header waits.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithSigner enables SignedURL using s to sign as email.
func WithSigner(s Signer, email string) Option {
	return func(c *Client) {
		c.signer = s
		c.signerEmail = email
	}
}

// WithChunkSize sets the resumable upload chunk size. Non-positive values
// keep the default. The value is not rounded: it must be a multiple of
// ChunkAlignment or the service fails the first non-final chunk with 400.
func WithChunkSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithResumableThreshold sets the size above which uploads of unknown size
// switch to the resumable protocol.
func WithResumableThreshold(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.resumableThreshold = n
		}
	}
}

// NewClient creates a storage client that authenticates with tokens.
func NewClient(tokens TokenSource, opts ...Option) *Client {
	if tokens == nil {
		panic("gcs: NewClient called with nil TokenSource")
	}

	c := &Client{
		endpoint:           DefaultEndpoint,
		tokens:             tokens,
		logger:             slog.Default(),
		userAgent:          defaultUserAgent,
		chunkSize:          DefaultChunkSize,
		resumableThreshold: DefaultResumableThreshold,
		newBackoff:         defaultBackoff,
		newID:              newRandomID,
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

// Close releases the token source and the signer when they are closable,
// and idle connections of a client-owned HTTP client.
func (c *Client) Close() error {
	var err error

	if c.ownsClient {
		c.httpClient.CloseIdleConnections()
	}

	if closer, ok := c.tokens.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}

	if closer, ok := c.signer.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}

	if err != nil {
		return fmt.Errorf("gcs: closing client: %w", err)
	}

	return nil
}

func defaultBackoff() retry.Backoff {
	b := retry.NewExponential(baseBackoff)
	b = retry.WithCappedDuration(maxBackoff, b)
	b = retry.WithJitterPercent(jitterPercent, b)

	return retry.WithMaxRetries(maxRetries, b)
}

// apiRequest describes one JSON API call. The body is held in memory so
// idempotent calls can be replayed.
type apiRequest struct {
	method    string
	url       string
	body      []byte
	header    http.Header
	retryable bool
}

// do executes an API request and returns the 2xx response. Retryable
// statuses (408, 429, 5xx) are retried with backoff when the request is
// idempotent; network failures are returned as *transport.Error untouched.
// The caller is responsible for closing the response body on success.
func (c *Client) do(ctx context.Context, r apiRequest) (*http.Response, error) {
	var (
		resp    *http.Response
		attempt int
	)

	policy := c.newBackoff()
	if !r.retryable {
		policy = retry.WithMaxRetries(0, policy)
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempt++

		var body io.Reader
		if r.body != nil {
			body = bytes.NewReader(r.body)
		}

		res, err := c.send(ctx, r.method, r.url, r.header, body, int64(len(r.body)))
		if err != nil {
			return err
		}

		if res.StatusCode >= http.StatusOK && res.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", r.method),
				slog.String("url", transport.Redact(res.Request.URL)),
				slog.Int("status", res.StatusCode),
			)

			resp = res

			return nil
		}

		apiErr := c.apiError(res)

		if r.retryable && isRetryable(res.StatusCode) {
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", r.method),
				slog.String("url", transport.Redact(res.Request.URL)),
				slog.Int("status", res.StatusCode),
				slog.Int("attempt", attempt),
			)

			return retry.RetryableError(apiErr)
		}

		return apiErr
	})
	if err != nil {
		if attempt > 1 {
			c.logger.Error("request failed after retries",
				slog.String("method", r.method),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
		}

		return nil, err
	}

	return resp, nil
}

// send issues one authenticated request without inspecting the status.
// A non-positive length with a non-nil body leaves Content-Length unset.
func (c *Client) send(
	ctx context.Context, method, rawURL string, header http.Header, body io.Reader, length int64,
) (*http.Response, error) {
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("gcs: creating request: %w", err)
	}

	if body != http.NoBody && length >= 0 {
		req.ContentLength = length
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: obtaining token: %w", err)
	}

	for k, vs := range header {
		req.Header[k] = vs
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)

	return transport.Do(c.httpClient, req)
}

// apiError reads and closes a non-2xx response and classifies it.
func (c *Client) apiError(resp *http.Response) error {
	defer resp.Body.Close()

	msg := http.StatusText(resp.StatusCode)

	var gerr *googleapi.Error
	if err := googleapi.CheckResponse(resp); errors.As(err, &gerr) {
		switch {
		case gerr.Message != "":
			msg = gerr.Message
		case gerr.Body != "":
			msg = gerr.Body
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Err:        classifyStatus(resp.StatusCode),
	}
}

// decodeJSON decodes and closes a response body.
func decodeJSON(resp *http.Response, v any, what string) error {
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("gcs: decoding %s response: %w", what, err)
	}

	return nil
}

// jsonBody marshals v for an apiRequest.
func jsonBody(v any) ([]byte, http.Header, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("gcs: encoding request: %w", err)
	}

	return data, http.Header{"Content-Type": {"application/json"}}, nil
}

func (c *Client) bucketURL(bucket string) string {
	return c.endpoint + "/storage/v1/b/" + url.PathEscape(bucket)
}

// objectURL escapes name as a single path segment; "/" becomes %2F.
func (c *Client) objectURL(bucket, name string) string {
	return c.bucketURL(bucket) + "/o/" + url.PathEscape(name)
}

func (c *Client) uploadURL(bucket string) string {
	return c.endpoint + "/upload/storage/v1/b/" + url.PathEscape(bucket) + "/o"
}

func withQuery(base string, q url.Values) string {
	if len(q) == 0 {
		return base
	}

	return base + "?" + q.Encode()
}
