package iam

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	iamcredentials "google.golang.org/api/iamcredentials/v1"

	"github.com/tonimelisma/gcs-go/internal/auth"
	"github.com/tonimelisma/gcs-go/internal/transport"
)

// staticToken is a TokenSource that always returns the same token.
type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

// failingToken always fails.
type failingToken struct{}

func (failingToken) Token(context.Context) (string, error) {
	return "", errors.New("no token")
}

// closeCounter records Close calls.
type closeCounter struct {
	staticToken
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func newTestClient(t *testing.T, srv *httptest.Server, tokens TokenSource) *Client {
	t.Helper()

	return NewClient(tokens,
		WithHTTPClient(srv.Client()),
		WithBaseURL(srv.URL+"/"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestSignBlob_DecodesSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/projects/-/serviceAccounts/sa@example.com:signBlob", r.URL.Path)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))

		var req iamcredentials.SignBlobRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "QUJD", req.Payload)

		_, _ = io.WriteString(w, `{"keyId":"k1","signedBlob":"QUJD"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, staticToken("abc"))

	sig, err := c.SignBlob(context.Background(), []byte("ABC"), "sa@example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte("ABC"), sig)
}

// The full path from the metadata server token to the signed blob.
func TestSignBlob_WithMetadataManager(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Google", r.Header.Get("Metadata-Flavor"))
		assert.Equal(t, Scope, r.URL.Query().Get("scopes"))
		_, _ = io.WriteString(w, `{"access_token":"abc","expires_in":3600}`)
	})
	mux.HandleFunc("POST /v1/projects/-/serviceAccounts/{rest}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"signedBlob":"QUJD"}`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, err := auth.NewManager(auth.NewMetadataServer(srv.URL+"/token"), []string{Scope},
		auth.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	c := newTestClient(t, srv, m)

	sig, err := c.SignBlob(context.Background(), []byte("ABC"), "sa@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(sig))

	require.NoError(t, c.Close())

	_, err = m.Token(context.Background())
	assert.ErrorIs(t, err, auth.ErrClosed)
}

// A server that signs with a real key: the returned signature verifies
// against the payload that was sent.
func TestSignBlob_RoundTripVerifies(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req iamcredentials.SignBlobRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}

		payload, decErr := base64.StdEncoding.DecodeString(req.Payload)
		if !assert.NoError(t, decErr) {
			return
		}

		sum := sha256.Sum256(payload)

		sig, signErr := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, sum[:])
		if !assert.NoError(t, signErr) {
			return
		}

		_ = json.NewEncoder(w).Encode(&iamcredentials.SignBlobResponse{
			SignedBlob: base64.StdEncoding.EncodeToString(sig),
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, staticToken("abc"))
	payload := []byte("GOOG4-RSA-SHA256\n20240102T030405Z")

	sig, err := c.SignBlob(context.Background(), payload, "sa@example.com")
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	assert.NoError(t, rsa.VerifyPKCS1v15(&priv.PublicKey, crypto.SHA256, sum[:], sig))
}

func TestSignBlob_Failures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
	}{
		{"forbidden", http.StatusForbidden, `{"error":{"message":"denied"}}`, ErrSignRejected},
		{"missing signedBlob", http.StatusOK, `{"keyId":"k1"}`, ErrMissingSignature},
		{"undecodable signedBlob", http.StatusOK, `{"signedBlob":"%%%"}`, ErrMissingSignature},
		{"not json", http.StatusOK, `nope`, ErrMissingSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := newTestClient(t, srv, staticToken("abc"))

			sig, err := c.SignBlob(context.Background(), []byte("ABC"), "sa@example.com")
			require.Error(t, err)
			assert.Nil(t, sig)
			assert.ErrorIs(t, err, tt.sentinel)

			var se *SignError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, "sa@example.com", se.Email)

			if tt.status != http.StatusOK {
				assert.Equal(t, tt.status, se.StatusCode)
				assert.Contains(t, se.Body, "denied")
			}
		})
	}
}

func TestSignBlob_TokenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	c := newTestClient(t, srv, failingToken{})

	_, err := c.SignBlob(context.Background(), []byte("ABC"), "sa@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestSignBlob_NetworkFailure(t *testing.T) {
	c := NewClient(staticToken("abc"), WithBaseURL("http://127.0.0.1:1"))

	_, err := c.SignBlob(context.Background(), []byte("ABC"), "sa@example.com")
	require.Error(t, err)

	var te *transport.Error
	assert.True(t, errors.As(err, &te))

	var se *SignError
	assert.True(t, errors.As(err, &se))
}

func TestSignBlob_RequiresEmail(t *testing.T) {
	c := NewClient(staticToken("abc"))

	_, err := c.SignBlob(context.Background(), []byte("ABC"), "")
	assert.ErrorIs(t, err, ErrNoEmail)
}

func TestClose_ClosesTokenSource(t *testing.T) {
	cc := &closeCounter{staticToken: "abc"}
	c := NewClient(cc)

	require.NoError(t, c.Close())
	assert.Equal(t, 1, cc.closed)

	// Non-closable sources are fine too.
	assert.NoError(t, NewClient(staticToken("abc")).Close())
}

func TestNewClient_NilTokenSourcePanics(t *testing.T) {
	assert.Panics(t, func() { NewClient(nil) })
}

func TestNewClient_DefaultHTTPClientIsBounded(t *testing.T) {
	c := NewClient(staticToken("a"))
	t.Cleanup(func() { _ = c.Close() })

	assert.NotSame(t, http.DefaultClient, c.httpClient)
	assert.True(t, c.ownsClient)

	tr, ok := c.httpClient.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Positive(t, tr.ResponseHeaderTimeout)
}
