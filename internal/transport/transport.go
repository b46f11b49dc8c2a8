// Package transport builds the HTTP clients shared by the auth, iam, and gcs
// packages and classifies network-level failures. It owns no retry policy:
// callers decide what to do with a *Error.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

// Transport tuning constants.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultDataTimeout    = 60 * time.Second
	keepAlive             = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConns          = 100
	h2PingTimeout         = 15 * time.Second
)

// Options configures NewClient. Zero durations fall back to defaults, except
// RequestTimeout where zero means no overall deadline (used for transfers).
type Options struct {
	ConnectTimeout time.Duration
	DataTimeout    time.Duration
	RequestTimeout time.Duration
	ForceHTTP11    bool
}

// NewClient returns an *http.Client with bounded dial, TLS, and header waits.
// HTTP/2 is negotiated via golang.org/x/net/http2 so idle connections are
// health-checked with pings; ForceHTTP11 disables it for proxies that break h2.
func NewClient(opts Options) (*http.Client, error) {
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}

	data := opts.DataTimeout
	if data <= 0 {
		data = defaultDataTimeout
	}

	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: keepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: data,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.ForceHTTP11 {
		// A non-nil empty map disables the automatic h2 upgrade.
		t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	} else {
		h2, err := http2.ConfigureTransports(t)
		if err != nil {
			return nil, fmt.Errorf("transport: configuring http2: %w", err)
		}

		h2.ReadIdleTimeout = data
		h2.PingTimeout = h2PingTimeout
	}

	return &http.Client{
		Transport: t,
		Timeout:   opts.RequestTimeout,
	}, nil
}

// Default returns a client with the default dial and header timeouts and
// no overall deadline. It falls back to HTTP/1.1 if HTTP/2 setup fails.
func Default() *http.Client {
	c, err := NewClient(Options{})
	if err != nil {
		c, _ = NewClient(Options{ForceHTTP11: true})
	}

	return c
}

// Error is a network or timeout failure of a single HTTP exchange. It is
// reported as-is to the immediate caller and never retried by this module's
// core components.
type Error struct {
	Method string
	URL    string // query string stripped; never contains credentials
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline or timeout.
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error

	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Do sends req with client and wraps any failure in *Error. The response is
// returned untouched for every status code.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		// *url.Error repeats the full URL in its message.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}

		return nil, &Error{
			Method: req.Method,
			URL:    Redact(req.URL),
			Err:    err,
		}
	}

	return resp, nil
}

// Redact drops the query and user info, which may carry signatures or
// upload IDs.
func Redact(u *url.URL) string {
	if u == nil {
		return ""
	}

	clean := *u
	clean.RawQuery = ""
	clean.User = nil

	return clean.String()
}
