package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/gcs-go/internal/tokenfile"
	"github.com/tonimelisma/gcs-go/internal/transport"
)

// ExpiryMargin is how close to expiry a cached token may get before it is
// treated as expired and refreshed.
const ExpiryMargin = 60 * time.Second

const (
	defaultRefreshTimeout = 30 * time.Second
	maxTokenResponseBytes = 64 << 10
	maxErrorBodyBytes     = 1024
	refreshFlightKey      = "token"
)

// Manager hands out access tokens for one credential and scope set, caching
// the current token and refreshing it shortly before expiry. Concurrent
// callers share a single in-flight refresh. Safe for concurrent use.
type Manager struct {
	cred           Credential
	scopes         []string
	client         *http.Client
	ownsClient     bool
	logger         *slog.Logger
	cachePath      string
	refreshTimeout time.Duration

	// now is swapped in tests to move the clock.
	now func() time.Time

	flight singleflight.Group

	mu     sync.RWMutex
	tok    *oauth2.Token
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token endpoint calls. The caller
// keeps ownership; Close does not touch it.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.client = c
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithTokenCache persists refreshed tokens at path and seeds the cache from
// it at construction when the stored subject and scopes match.
func WithTokenCache(path string) Option {
	return func(m *Manager) {
		m.cachePath = path
	}
}

// WithRefreshTimeout bounds a single shared refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.refreshTimeout = d
	}
}

// NewManager creates a Manager for cred and scopes.
func NewManager(cred Credential, scopes []string, opts ...Option) (*Manager, error) {
	if cred == nil {
		return nil, &AuthError{Op: "token", Err: ErrNoCredentials}
	}

	m := &Manager{
		cred:           cred,
		scopes:         slices.Clone(scopes),
		logger:         slog.Default(),
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		c, err := transport.NewClient(transport.Options{RequestTimeout: m.refreshTimeout})
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}

		m.client = c
		m.ownsClient = true
	}

	m.seedFromCache()

	return m, nil
}

// Subject returns the credential's principal.
func (m *Manager) Subject() string {
	return m.cred.Subject()
}

// Token returns a valid access token, refreshing it if none is cached or the
// cached one expires within ExpiryMargin. If ctx ends while a refresh is in
// flight, this caller stops waiting but the refresh completes for others.
func (m *Manager) Token(ctx context.Context) (string, error) {
	tok, err := m.token(ctx)
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

func (m *Manager) token(ctx context.Context) (*oauth2.Token, error) {
	m.mu.RLock()
	closed, cached := m.closed, m.tok
	m.mu.RUnlock()

	if closed {
		return nil, &AuthError{Op: "token", Err: ErrClosed}
	}

	if st, ok := m.cred.(*StaticToken); ok {
		return &oauth2.Token{AccessToken: st.Value, TokenType: "Bearer"}, nil
	}

	if m.fresh(cached) {
		return cached, nil
	}

	ch := m.flight.DoChan(refreshFlightKey, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()

		return m.refresh(refreshCtx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("auth: waiting for token refresh: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		tok, ok := res.Val.(*oauth2.Token)
		if !ok {
			return nil, &AuthError{Op: "token", Err: ErrMalformedToken}
		}

		return tok, nil
	}
}

// Cached returns a copy of the cached token without refreshing, or nil.
func (m *Manager) Cached() *oauth2.Token {
	if st, ok := m.cred.(*StaticToken); ok {
		return &oauth2.Token{AccessToken: st.Value, TokenType: "Bearer"}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.tok == nil {
		return nil
	}

	cp := *m.tok

	return &cp
}

// OAuth2TokenSource adapts the manager to oauth2.TokenSource for libraries
// that expect one. Refreshes run without a caller deadline other than the
// manager's refresh timeout.
func (m *Manager) OAuth2TokenSource() oauth2.TokenSource {
	return tokenSourceAdapter{m: m}
}

type tokenSourceAdapter struct {
	m *Manager
}

func (a tokenSourceAdapter) Token() (*oauth2.Token, error) {
	return a.m.token(context.Background())
}

// Close releases idle connections of a manager-owned HTTP client. Later
// Token calls fail with ErrClosed. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.tok = nil
	m.mu.Unlock()

	if m.ownsClient {
		m.client.CloseIdleConnections()
	}

	return nil
}

// fresh reports whether tok can be handed out now.
func (m *Manager) fresh(tok *oauth2.Token) bool {
	return tok != nil && tok.AccessToken != "" && tok.Expiry.After(m.now().Add(ExpiryMargin))
}

// refresh runs inside the single flight. A flight that completed just before
// this one started may already have stored a fresh token.
func (m *Manager) refresh(ctx context.Context) (*oauth2.Token, error) {
	m.mu.RLock()
	cached := m.tok
	m.mu.RUnlock()

	if m.fresh(cached) {
		return cached, nil
	}

	tok, err := m.fetch(ctx)
	if err != nil {
		// The previous token, if any, stays cached but is never returned as
		// valid because fresh() rejects it.
		m.logger.Warn("token refresh failed",
			slog.String("subject", m.cred.Subject()),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &AuthError{Op: "token", Err: ErrClosed}
	}

	m.tok = tok
	m.mu.Unlock()

	m.logger.Debug("token refreshed",
		slog.String("subject", m.cred.Subject()),
		slog.Time("expiry", tok.Expiry),
	)

	m.persist(tok)

	return tok, nil
}

// fetch obtains a new token from the credential's endpoint.
func (m *Manager) fetch(ctx context.Context) (*oauth2.Token, error) {
	issued := m.now()

	var (
		req *http.Request
		err error
	)

	switch c := m.cred.(type) {
	case *ServiceAccountKey:
		req, err = m.assertionRequest(ctx, c, issued)
	case *MetadataServer:
		req, err = m.metadataRequest(ctx, c)
	default:
		err = &AuthError{Op: "refresh", Err: fmt.Errorf("%w: credential %T cannot be refreshed", ErrNoCredentials, m.cred)}
	}

	if err != nil {
		return nil, err
	}

	return m.exchange(req, issued)
}

func (m *Manager) assertionRequest(ctx context.Context, k *ServiceAccountKey, now time.Time) (*http.Request, error) {
	assertion, err := buildAssertion(k, m.scopes, now)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Op: "refresh", Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return req, nil
}

func (m *Manager) metadataRequest(ctx context.Context, ms *MetadataServer) (*http.Request, error) {
	u, err := url.Parse(ms.Endpoint)
	if err != nil {
		return nil, &AuthError{Op: "refresh", Err: fmt.Errorf("parsing metadata endpoint: %w", err)}
	}

	if len(m.scopes) > 0 {
		q := u.Query()
		q.Set("scopes", strings.Join(m.scopes, ","))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, &AuthError{Op: "refresh", Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Metadata-Flavor", "Google")

	return req, nil
}

// tokenResponse is the JSON body returned by both the token endpoint and the
// metadata server.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (m *Manager) exchange(req *http.Request, issued time.Time) (*oauth2.Token, error) {
	resp, err := transport.Do(m.client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, &transport.Error{Method: req.Method, URL: transport.Redact(req.URL), Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &AuthError{
			Op:         "refresh",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBodyBytes),
			Err:        ErrRefreshRejected,
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthError{Op: "refresh", Err: fmt.Errorf("%w: %w", ErrMalformedToken, err)}
	}

	if tr.AccessToken == "" {
		return nil, &AuthError{Op: "refresh", Err: fmt.Errorf("%w: missing access_token", ErrMalformedToken)}
	}

	if tr.ExpiresIn <= 0 {
		return nil, &AuthError{Op: "refresh", Err: fmt.Errorf("%w: missing or non-positive expires_in", ErrMalformedToken)}
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tokenType,
		Expiry:      issued.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// seedFromCache loads a previously persisted token. Any problem is logged and
// ignored; the manager then refreshes on first use.
func (m *Manager) seedFromCache() {
	if m.cachePath == "" {
		return
	}

	if _, ok := m.cred.(*StaticToken); ok {
		return
	}

	tf, err := tokenfile.Load(m.cachePath)
	if err != nil {
		m.logger.Warn("ignoring unreadable token cache",
			slog.String("path", m.cachePath),
			slog.String("error", err.Error()),
		)

		return
	}

	if !tf.Matches(m.cred.Subject(), m.scopes) || !m.fresh(tf.Token) {
		return
	}

	m.tok = tf.Token

	m.logger.Debug("token loaded from cache",
		slog.String("path", m.cachePath),
		slog.Time("expiry", tf.Token.Expiry),
	)
}

func (m *Manager) persist(tok *oauth2.Token) {
	if m.cachePath == "" {
		return
	}

	err := tokenfile.Save(m.cachePath, &tokenfile.File{
		Token:   tok,
		Subject: m.cred.Subject(),
		Scopes:  m.scopes,
	})
	if err != nil {
		m.logger.Warn("saving token cache failed",
			slog.String("path", m.cachePath),
			slog.String("error", err.Error()),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
