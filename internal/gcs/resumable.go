package gcs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// statusResumeIncomplete is the resumable protocol's "send more" status.
const statusResumeIncomplete = 308

// UploadSession is a server-allocated resumable upload. BytesSent counts the
// bytes the server has acknowledged; TotalSize is -1 until the final chunk
// fixes it. The JSON form is what callers persist to resume across runs.
type UploadSession struct {
	URL       string `json:"url"`
	Bucket    string `json:"bucket"`
	Name      string `json:"name"`
	BytesSent int64  `json:"bytes_sent"`
	TotalSize int64  `json:"total_size"`

	idemToken string
}

// resumableUpload runs the two-phase protocol: init, then ordered chunk PUTs.
type resumableUpload struct {
	c         *Client
	p         *uploadPayload
	chunkSize int64
}

func (*resumableUpload) kind() UploadKind { return UploadResumable }

func (u *resumableUpload) execute(ctx context.Context) (*Object, error) {
	session, err := u.c.initSession(ctx, u.p)
	if err != nil {
		return nil, err
	}

	return u.c.UploadToSession(ctx, session, u.p.body, u.chunkSize)
}

// StartResumable creates a resumable session without sending any data.
// opts.Size, when positive, is declared to the server up front.
func (c *Client) StartResumable(ctx context.Context, bucket, name string, opts UploadOptions) (*UploadSession, error) {
	p := &uploadPayload{
		bucket:    bucket,
		name:      name,
		opts:      opts,
		size:      sizeUnknown,
		idemToken: c.newID(),
	}

	if opts.Size > 0 {
		p.size = opts.Size
	}

	return c.initSession(ctx, p)
}

func (c *Client) initSession(ctx context.Context, p *uploadPayload) (*UploadSession, error) {
	meta, err := json.Marshal(p.resource())
	if err != nil {
		return nil, &UploadError{Op: "init", Err: fmt.Errorf("encoding metadata: %w", err)}
	}

	header := http.Header{
		"Content-Type":          {jsonContentType},
		"X-Upload-Content-Type": {p.opts.contentType()},
		idempotencyHeader:       {p.idemToken},
	}

	if p.size >= 0 {
		header.Set("X-Upload-Content-Length", strconv.FormatInt(p.size, 10))
	}

	q := url.Values{
		"uploadType": {"resumable"},
		"name":       {p.name},
	}

	resp, err := c.send(ctx, http.MethodPost, withQuery(c.uploadURL(p.bucket), q), header, bytes.NewReader(meta), int64(len(meta)))
	if err != nil {
		return nil, &UploadError{Op: "init", Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &UploadError{Op: "init", StatusCode: resp.StatusCode, Err: c.apiError(resp)}
	}

	drain(resp)

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, &UploadError{Op: "init", StatusCode: resp.StatusCode, Err: ErrMissingLocation}
	}

	c.logger.Debug("resumable session created",
		slog.String("bucket", p.bucket),
		slog.String("object", p.name),
		slog.Int64("total_size", p.size),
	)

	return &UploadSession{
		URL:       location,
		Bucket:    p.bucket,
		Name:      p.name,
		TotalSize: p.size,
		idemToken: p.idemToken,
	}, nil
}

// UploadToSession streams r into session. r must yield the payload starting
// at session.BytesSent. Chunks of chunkSize bytes (0 uses the client
// default, and otherwise a multiple of ChunkAlignment) are sent strictly in
// offset order; a payload that fits in one
// chunk and whose size is known goes in a single PUT. On failure the
// returned *UploadError carries the session with its acknowledged offset.
func (c *Client) UploadToSession(ctx context.Context, session *UploadSession, r io.Reader, chunkSize int64) (*Object, error) {
	if chunkSize <= 0 {
		chunkSize = c.chunkSize
	}

	if session.idemToken == "" {
		session.idemToken = c.newID()
	}

	known := session.TotalSize >= 0
	if known && (session.BytesSent < 0 || session.BytesSent > session.TotalSize) {
		return nil, &UploadError{Op: "chunk", Session: session, Err: fmt.Errorf(
			"offset %d outside declared size %d: %w", session.BytesSent, session.TotalSize, ErrInvalidRange)}
	}

	if known {
		r = io.LimitReader(r, session.TotalSize-session.BytesSent)
	}

	br := bufio.NewReader(r)
	buf := make([]byte, chunkBufferSize(session, chunkSize))

	for {
		n, err := io.ReadFull(br, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &UploadError{Op: "chunk", Session: session, Err: fmt.Errorf("reading payload: %w", err)}
		}

		chunk := buf[:n]
		end := session.BytesSent + int64(n)

		var final bool

		switch {
		case known:
			final = end == session.TotalSize
			if !final && n < len(buf) {
				return nil, &UploadError{Op: "chunk", Session: session, Err: fmt.Errorf(
					"payload ended at %d bytes, declared %d: %w", end, session.TotalSize, io.ErrUnexpectedEOF)}
			}
		case n < len(buf):
			final = true
		default:
			_, peekErr := br.Peek(1)
			final = errors.Is(peekErr, io.EOF)
		}

		if final {
			session.TotalSize = end
		}

		obj, err := c.putChunk(ctx, session, chunk, final)
		if err != nil {
			return nil, err
		}

		if obj != nil {
			return obj, nil
		}
	}
}

// chunkBufferSize caps the buffer at the bytes still to send when the total
// is known, so small payloads do not allocate a full chunk.
func chunkBufferSize(session *UploadSession, chunkSize int64) int64 {
	if session.TotalSize >= 0 {
		return max(min(chunkSize, session.TotalSize-session.BytesSent), 0)
	}

	return chunkSize
}

// putChunk sends one chunk, resending any tail the server did not commit.
// Returns the object after the final chunk and nil for intermediate chunks.
func (c *Client) putChunk(ctx context.Context, session *UploadSession, chunk []byte, final bool) (*Object, error) {
	start := session.BytesSent
	end := start + int64(len(chunk))

	for {
		data := chunk[session.BytesSent-start:]

		total := int64(sizeUnknown)
		if final {
			total = session.TotalSize
		}

		header := http.Header{
			"Content-Range":   {contentRange(session.BytesSent, int64(len(data)), total)},
			idempotencyHeader: {session.idemToken},
		}

		c.logger.Debug("uploading chunk",
			slog.String("object", session.Name),
			slog.String("content_range", header.Get("Content-Range")),
		)

		resp, err := c.send(ctx, http.MethodPut, session.URL, header, bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, &UploadError{Op: "chunk", Session: session, Err: err}
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			session.BytesSent = end

			return c.finishUpload("chunk", resp, session)

		case statusResumeIncomplete:
			drain(resp)

			committed, rangeErr := committedBytes(resp.Header.Get("Range"))
			if rangeErr != nil || committed < start || committed > end {
				if rangeErr == nil {
					rangeErr = fmt.Errorf("%w: server reports %d bytes, chunk spans %d-%d", ErrInvalidRange, committed, start, end)
				}

				return nil, &UploadError{Op: "chunk", StatusCode: resp.StatusCode, Session: session, Err: rangeErr}
			}

			progressed := committed > session.BytesSent
			session.BytesSent = committed

			if committed == end && !final {
				return nil, nil
			}

			if !progressed {
				return nil, &UploadError{Op: "chunk", StatusCode: resp.StatusCode, Session: session, Err: ErrSessionRejected}
			}

			c.logger.Debug("resending uncommitted tail",
				slog.String("object", session.Name),
				slog.Int64("committed", committed),
				slog.Int64("chunk_end", end),
			)

		default:
			return nil, &UploadError{Op: "chunk", StatusCode: resp.StatusCode, Session: session, Err: c.apiError(resp)}
		}
	}
}

// QuerySession asks the server how much of session it holds. It returns
// the object if the upload already completed, or nil with
// session.BytesSent updated.
func (c *Client) QuerySession(ctx context.Context, session *UploadSession) (*Object, error) {
	total := "*"
	if session.TotalSize >= 0 {
		total = strconv.FormatInt(session.TotalSize, 10)
	}

	header := http.Header{"Content-Range": {"bytes */" + total}}

	resp, err := c.send(ctx, http.MethodPut, session.URL, header, nil, 0)
	if err != nil {
		return nil, &UploadError{Op: "query", Session: session, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return c.finishUpload("query", resp, session)

	case statusResumeIncomplete:
		drain(resp)

		committed, err := committedBytes(resp.Header.Get("Range"))
		if err != nil {
			return nil, &UploadError{Op: "query", StatusCode: resp.StatusCode, Session: session, Err: err}
		}

		if session.TotalSize >= 0 && committed > session.TotalSize {
			return nil, &UploadError{Op: "query", StatusCode: resp.StatusCode, Session: session, Err: fmt.Errorf(
				"server holds %d bytes of a %d byte upload: %w", committed, session.TotalSize, ErrInvalidRange)}
		}

		session.BytesSent = committed

		c.logger.Debug("upload session status",
			slog.String("object", session.Name),
			slog.Int64("committed", committed),
		)

		return nil, nil

	default:
		return nil, &UploadError{Op: "query", StatusCode: resp.StatusCode, Session: session, Err: c.apiError(resp)}
	}
}

// ResumeUpload continues an interrupted session: it queries the committed
// offset, seeks r there, and sends the rest. r holds the whole payload.
func (c *Client) ResumeUpload(ctx context.Context, session *UploadSession, r io.ReadSeeker, chunkSize int64) (*Object, error) {
	obj, err := c.QuerySession(ctx, session)
	if err != nil {
		return nil, err
	}

	if obj != nil {
		return obj, nil
	}

	if _, err := r.Seek(session.BytesSent, io.SeekStart); err != nil {
		return nil, &UploadError{Op: "resume", Session: session, Err: fmt.Errorf("seeking payload: %w", err)}
	}

	c.logger.Info("resuming upload",
		slog.String("bucket", session.Bucket),
		slog.String("object", session.Name),
		slog.Int64("offset", session.BytesSent),
	)

	return c.UploadToSession(ctx, session, r, chunkSize)
}

// contentRange renders the Content-Range of a chunk PUT. total is -1 for
// intermediate chunks of a stream whose size is not yet known.
func contentRange(offset, length, total int64) string {
	size := "*"
	if total >= 0 {
		size = strconv.FormatInt(total, 10)
	}

	if length == 0 {
		return "bytes */" + size
	}

	return fmt.Sprintf("bytes %d-%d/%s", offset, offset+length-1, size)
}

// committedBytes parses a 308 Range header ("bytes=0-N"). A missing header
// means nothing has been committed.
func committedBytes(h string) (int64, error) {
	if h == "" {
		return 0, nil
	}

	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRange, h)
	}

	_, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRange, h)
	}

	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRange, h)
	}

	return n + 1, nil
}

// drain discards and closes a body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
