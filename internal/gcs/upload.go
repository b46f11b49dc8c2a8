package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/google/uuid"
	storage "google.golang.org/api/storage/v1"
)

const (
	defaultContentType = "application/octet-stream"
	jsonContentType    = "application/json; charset=UTF-8"
	idempotencyHeader  = "X-Goog-Gcs-Idempotency-Token"
	sizeUnknown        = -1
)

// UploadKind names the protocol an upload uses.
type UploadKind int

// Upload protocols.
const (
	UploadSimple UploadKind = iota + 1
	UploadMultipart
	UploadResumable
)

func (k UploadKind) String() string {
	switch k {
	case UploadSimple:
		return "simple"
	case UploadMultipart:
		return "multipart"
	case UploadResumable:
		return "resumable"
	default:
		return fmt.Sprintf("UploadKind(%d)", int(k))
	}
}

// UploadOptions controls a single upload.
type UploadOptions struct {
	ContentType        string // defaults to application/octet-stream
	Metadata           map[string]string
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string

	// Size is the payload length. Zero or negative means unknown: seekable
	// sources are measured, other sources are buffered up to the resumable
	// threshold to find out.
	Size int64

	ForceResumable bool

	// ChunkSize is the resumable chunk size; 0 uses the client default.
	// The service rejects non-final chunks that are not a multiple of
	// ChunkAlignment, so real uploads need an aligned value.
	ChunkSize int64
}

// hasMetadata reports whether anything beyond the raw bytes and the content
// type must be sent, which rules out the simple protocol.
func (o *UploadOptions) hasMetadata() bool {
	return len(o.Metadata) > 0 || o.CacheControl != "" || o.ContentDisposition != "" || o.ContentEncoding != ""
}

func (o *UploadOptions) contentType() string {
	if o.ContentType == "" {
		return defaultContentType
	}

	return o.ContentType
}

// uploadPayload is the measured input of one upload call.
type uploadPayload struct {
	bucket    string
	name      string
	opts      UploadOptions
	body      io.Reader
	size      int64 // sizeUnknown when it could not be determined
	idemToken string
}

// resource is the JSON metadata sent by the multipart and resumable
// protocols.
func (p *uploadPayload) resource() *storage.Object {
	return &storage.Object{
		Name:               p.name,
		ContentType:        p.opts.contentType(),
		CacheControl:       p.opts.CacheControl,
		ContentDisposition: p.opts.ContentDisposition,
		ContentEncoding:    p.opts.ContentEncoding,
		Metadata:           p.opts.Metadata,
	}
}

// uploadStrategy is one upload protocol, chosen once per call.
type uploadStrategy interface {
	kind() UploadKind
	execute(ctx context.Context) (*Object, error)
}

// Upload stores r as bucket/name using the protocol selectUploadKind picks.
// Every failure is an *UploadError; resumable failures after the session
// was created carry it for a later ResumeUpload.
func (c *Client) Upload(ctx context.Context, bucket, name string, r io.Reader, opts UploadOptions) (*Object, error) {
	s, err := c.planUpload(bucket, name, r, opts)
	if err != nil {
		return nil, err
	}

	c.logger.Info("uploading object",
		slog.String("bucket", bucket),
		slog.String("object", name),
		slog.String("protocol", s.kind().String()),
	)

	obj, err := s.execute(ctx)
	if err != nil {
		c.logger.Warn("upload failed",
			slog.String("bucket", bucket),
			slog.String("object", name),
			slog.String("protocol", s.kind().String()),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	c.logger.Debug("upload complete",
		slog.String("bucket", bucket),
		slog.String("object", name),
		slog.Int64("size", obj.Size),
	)

	return obj, nil
}

// planUpload measures the payload and builds the strategy for it.
func (c *Client) planUpload(bucket, name string, r io.Reader, opts UploadOptions) (uploadStrategy, error) {
	p := &uploadPayload{
		bucket:    bucket,
		name:      name,
		opts:      opts,
		body:      r,
		size:      sizeUnknown,
		idemToken: c.newID(),
	}

	if opts.Size > 0 {
		p.size = opts.Size
	} else if err := c.measure(p); err != nil {
		return nil, &UploadError{Op: "plan", Err: err}
	}

	switch selectUploadKind(p.size, &opts, c.resumableThreshold) {
	case UploadResumable:
		chunk := opts.ChunkSize
		if chunk <= 0 {
			chunk = c.chunkSize
		}

		return &resumableUpload{c: c, p: p, chunkSize: chunk}, nil
	case UploadMultipart:
		return &multipartUpload{c: c, p: p}, nil
	default:
		return &simpleUpload{c: c, p: p}, nil
	}
}

// selectUploadKind applies the protocol rules in order: forced, unknown or
// large payloads go resumable; extra metadata needs multipart; everything
// else is a simple upload.
func selectUploadKind(size int64, opts *UploadOptions, threshold int64) UploadKind {
	switch {
	case opts.ForceResumable, size < 0, size > threshold:
		return UploadResumable
	case opts.hasMetadata():
		return UploadMultipart
	default:
		return UploadSimple
	}
}

// measure finds the payload size. Seekable sources report the bytes between
// the current offset and the end. Other sources are buffered up to the
// resumable threshold; if they run past it the size stays unknown and the
// buffered prefix is replayed ahead of the rest of the stream. A forced
// resumable upload never buffers.
func (c *Client) measure(p *uploadPayload) error {
	if s, ok := p.body.(io.Seeker); ok {
		if size, err := remaining(s); err == nil {
			p.size = size

			return nil
		}
		// Pipes are *os.File but cannot seek; fall through to streaming.
	}

	if p.opts.ForceResumable {
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(p.body, c.resumableThreshold+1))
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	if int64(len(buf)) <= c.resumableThreshold {
		p.size = int64(len(buf))
		p.body = bytes.NewReader(buf)

		return nil
	}

	p.body = io.MultiReader(bytes.NewReader(buf), p.body)

	return nil
}

// remaining returns the bytes left between the current offset and the end,
// restoring the offset.
func remaining(s io.Seeker) (int64, error) {
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}

	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}

	if _, err := s.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}

	return end - cur, nil
}

// simpleUpload sends the raw bytes in one request. No metadata beyond the
// content type travels with it.
type simpleUpload struct {
	c *Client
	p *uploadPayload
}

func (*simpleUpload) kind() UploadKind { return UploadSimple }

func (u *simpleUpload) execute(ctx context.Context) (*Object, error) {
	q := url.Values{
		"uploadType": {"media"},
		"name":       {u.p.name},
	}

	header := http.Header{
		"Content-Type":    {u.p.opts.contentType()},
		idempotencyHeader: {u.p.idemToken},
	}

	resp, err := u.c.send(ctx, http.MethodPost, withQuery(u.c.uploadURL(u.p.bucket), q), header, u.p.body, u.p.size)
	if err != nil {
		return nil, &UploadError{Op: "simple", Err: err}
	}

	return u.c.finishUpload("simple", resp, nil)
}

// multipartUpload sends a multipart/related body: the JSON resource first,
// then the data part with the declared content type.
type multipartUpload struct {
	c *Client
	p *uploadPayload
}

func (*multipartUpload) kind() UploadKind { return UploadMultipart }

func (u *multipartUpload) execute(ctx context.Context) (*Object, error) {
	meta, err := json.Marshal(u.p.resource())
	if err != nil {
		return nil, &UploadError{Op: "multipart", Err: fmt.Errorf("encoding metadata: %w", err)}
	}

	boundary := u.c.newID()

	body, length, err := multipartBody(boundary, meta, u.p.opts.contentType(), u.p.body, u.p.size)
	if err != nil {
		return nil, &UploadError{Op: "multipart", Err: err}
	}

	header := http.Header{
		"Content-Type":    {"multipart/related; boundary=" + boundary},
		idempotencyHeader: {u.p.idemToken},
	}

	q := url.Values{"uploadType": {"multipart"}}

	resp, err := u.c.send(ctx, http.MethodPost, withQuery(u.c.uploadURL(u.p.bucket), q), header, body, length)
	if err != nil {
		return nil, &UploadError{Op: "multipart", Err: err}
	}

	return u.c.finishUpload("multipart", resp, nil)
}

// multipartBody frames data between a pre-rendered head and the closing
// boundary so the payload streams without being copied. size must be known.
func multipartBody(boundary string, meta []byte, contentType string, data io.Reader, size int64) (io.Reader, int64, error) {
	var head bytes.Buffer

	mw := multipart.NewWriter(&head)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, 0, fmt.Errorf("setting boundary: %w", err)
	}

	metaPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {jsonContentType}})
	if err != nil {
		return nil, 0, fmt.Errorf("creating metadata part: %w", err)
	}

	if _, err := metaPart.Write(meta); err != nil {
		return nil, 0, fmt.Errorf("writing metadata part: %w", err)
	}

	if _, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {contentType}}); err != nil {
		return nil, 0, fmt.Errorf("creating data part: %w", err)
	}

	// Matches what multipart.Writer.Close would emit.
	tail := "\r\n--" + boundary + "--\r\n"
	length := int64(head.Len()) + size + int64(len(tail))

	return io.MultiReader(&head, data, strings.NewReader(tail)), length, nil
}

// finishUpload turns the final response of any protocol into an object or
// an *UploadError. It closes the response body.
func (c *Client) finishUpload(op string, resp *http.Response, session *UploadSession) (*Object, error) {
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &UploadError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Session:    session,
			Err:        c.apiError(resp),
		}
	}

	var raw storage.Object
	if err := decodeJSON(resp, &raw, "upload"); err != nil {
		return nil, &UploadError{Op: op, StatusCode: resp.StatusCode, Session: session, Err: err}
	}

	obj := objectFromAPI(&raw, c.logger)

	return &obj, nil
}

func newRandomID() string {
	return uuid.NewString()
}
