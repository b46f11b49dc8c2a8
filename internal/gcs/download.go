package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// Download returns an object's full content.
func (c *Client) Download(ctx context.Context, bucket, name string) ([]byte, error) {
	resp, err := c.openMedia(ctx, bucket, name)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gcs: reading %s/%s: %w", bucket, name, err)
	}

	return data, nil
}

// DownloadTo streams an object's content to w and returns the bytes written.
// Only the request is retried; a failure mid-stream is returned with the
// count written so far.
func (c *Client) DownloadTo(ctx context.Context, bucket, name string, w io.Writer) (int64, error) {
	c.logger.Info("downloading object",
		slog.String("bucket", bucket),
		slog.String("object", name),
	)

	resp, err := c.openMedia(ctx, bucket, name)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		c.logger.Error("streaming download content failed",
			slog.String("error", err.Error()),
			slog.Int64("bytes_before_error", n),
		)

		return n, fmt.Errorf("gcs: streaming %s/%s: %w", bucket, name, err)
	}

	c.logger.Debug("download complete",
		slog.String("bucket", bucket),
		slog.String("object", name),
		slog.Int64("bytes_written", n),
	)

	return n, nil
}

// NewReader opens an object for incremental reading. The caller must read
// it to the end or Close it.
func (c *Client) NewReader(ctx context.Context, bucket, name string) (*ObjectReader, error) {
	resp, err := c.openMedia(ctx, bucket, name)
	if err != nil {
		return nil, err
	}

	return &ObjectReader{body: resp.Body, size: resp.ContentLength}, nil
}

func (c *Client) openMedia(ctx context.Context, bucket, name string) (*http.Response, error) {
	return c.do(ctx, apiRequest{
		method:    http.MethodGet,
		url:       withQuery(c.objectURL(bucket, name), url.Values{"alt": {"media"}}),
		retryable: true,
	})
}

// ObjectReader is a cursor over a downloaded object's bytes. It releases the
// underlying connection as soon as the stream is exhausted. Not safe for
// concurrent use.
type ObjectReader struct {
	body   io.ReadCloser
	size   int64
	read   int64
	eof    bool
	closed bool
}

// Size returns the Content-Length of the object, or -1 if unknown.
func (r *ObjectReader) Size() int64 {
	return r.size
}

// ReadChunk returns up to max bytes. Chunks are full-sized except the last
// data chunk; after the data is used up it returns an empty chunk with
// exhausted set, on this and every later call.
func (r *ObjectReader) ReadChunk(maxBytes int) (chunk []byte, exhausted bool, err error) {
	if r.closed && !r.eof {
		return nil, false, errors.New("gcs: read from closed ObjectReader")
	}

	if r.eof {
		return []byte{}, true, nil
	}

	if maxBytes <= 0 {
		return nil, false, fmt.Errorf("gcs: ReadChunk size must be positive, got %d", maxBytes)
	}

	buf := make([]byte, maxBytes)

	n, err := io.ReadFull(r.body, buf)
	r.read += int64(n)

	switch {
	case err == nil:
		return buf[:n], false, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		r.release()

		if n == 0 {
			return []byte{}, true, nil
		}

		return buf[:n], false, nil
	default:
		return buf[:n], false, fmt.Errorf("gcs: reading object after %d bytes: %w", r.read, err)
	}
}

// Read implements io.Reader.
func (r *ObjectReader) Read(p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}

	if r.closed {
		return 0, errors.New("gcs: read from closed ObjectReader")
	}

	n, err := r.body.Read(p)
	r.read += int64(n)

	if errors.Is(err, io.EOF) {
		r.release()
	}

	return n, err
}

// Close releases the connection. Safe to call more than once.
func (r *ObjectReader) Close() error {
	if r.closed {
		return nil
	}

	r.closed = true

	return r.body.Close()
}

func (r *ObjectReader) release() {
	r.eof = true

	if !r.closed {
		r.closed = true
		r.body.Close()
	}
}
