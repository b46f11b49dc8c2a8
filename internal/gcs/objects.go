package gcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	storage "google.golang.org/api/storage/v1"
)

// maxComposeSources is the service limit on sources per compose call.
const maxComposeSources = 32

// Query filters an object listing.
type Query struct {
	Prefix    string
	Delimiter string // "/" groups names into Prefixes
	PageSize  int    // 0 lets the service choose
}

// ObjectUpdate lists the metadata fields to change. Empty fields are left
// untouched; Metadata keys are merged into the existing map.
type ObjectUpdate struct {
	ContentType        string
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	Metadata           map[string]string
}

// GetObject returns an object's metadata.
func (c *Client) GetObject(ctx context.Context, bucket, name string) (*Object, error) {
	c.logger.Debug("getting object",
		slog.String("bucket", bucket),
		slog.String("object", name),
	)

	resp, err := c.do(ctx, apiRequest{
		method:    http.MethodGet,
		url:       c.objectURL(bucket, name),
		retryable: true,
	})
	if err != nil {
		return nil, err
	}

	var raw storage.Object
	if err := decodeJSON(resp, &raw, "object"); err != nil {
		return nil, err
	}

	obj := objectFromAPI(&raw, c.logger)

	return &obj, nil
}

// Exists reports whether an object exists. Only a 404 maps to false; every
// other failure is returned.
func (c *Client) Exists(ctx context.Context, bucket, name string) (bool, error) {
	_, err := c.GetObject(ctx, bucket, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// DeleteObject deletes an object. Not retried: a replay after a lost
// response would report ErrNotFound for a successful delete.
func (c *Client) DeleteObject(ctx context.Context, bucket, name string) error {
	c.logger.Info("deleting object",
		slog.String("bucket", bucket),
		slog.String("object", name),
	)

	resp, err := c.do(ctx, apiRequest{
		method: http.MethodDelete,
		url:    c.objectURL(bucket, name),
	})
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// PatchObject updates an object's mutable metadata and returns the result.
func (c *Client) PatchObject(ctx context.Context, bucket, name string, u ObjectUpdate) (*Object, error) {
	c.logger.Info("patching object metadata",
		slog.String("bucket", bucket),
		slog.String("object", name),
	)

	body, header, err := jsonBody(&storage.Object{
		ContentType:        u.ContentType,
		CacheControl:       u.CacheControl,
		ContentDisposition: u.ContentDisposition,
		ContentEncoding:    u.ContentEncoding,
		Metadata:           u.Metadata,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, apiRequest{
		method: http.MethodPatch,
		url:    c.objectURL(bucket, name),
		body:   body,
		header: header,
	})
	if err != nil {
		return nil, err
	}

	var raw storage.Object
	if err := decodeJSON(resp, &raw, "patch"); err != nil {
		return nil, err
	}

	obj := objectFromAPI(&raw, c.logger)

	return &obj, nil
}

// ListObjects lists a bucket, following nextPageToken until exhausted.
func (c *Client) ListObjects(ctx context.Context, bucket string, q Query) (*ObjectList, error) {
	c.logger.Debug("listing objects",
		slog.String("bucket", bucket),
		slog.String("prefix", q.Prefix),
		slog.String("delimiter", q.Delimiter),
	)

	out := &ObjectList{}
	pageToken := ""

	for page := 1; ; page++ {
		params := url.Values{}
		if q.Prefix != "" {
			params.Set("prefix", q.Prefix)
		}

		if q.Delimiter != "" {
			params.Set("delimiter", q.Delimiter)
		}

		if q.PageSize > 0 {
			params.Set("maxResults", strconv.Itoa(q.PageSize))
		}

		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		resp, err := c.do(ctx, apiRequest{
			method:    http.MethodGet,
			url:       withQuery(c.bucketURL(bucket)+"/o", params),
			retryable: true,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs: listing %s page %d: %w", bucket, page, err)
		}

		var raw storage.Objects
		if err := decodeJSON(resp, &raw, "list"); err != nil {
			return nil, err
		}

		for _, o := range raw.Items {
			if o != nil {
				out.Objects = append(out.Objects, objectFromAPI(o, c.logger))
			}
		}

		out.Prefixes = append(out.Prefixes, raw.Prefixes...)

		if raw.NextPageToken == "" {
			c.logger.Debug("listing complete",
				slog.String("bucket", bucket),
				slog.Int("pages", page),
				slog.Int("objects", len(out.Objects)),
			)

			return out, nil
		}

		pageToken = raw.NextPageToken
	}
}

// Compose concatenates sources, in order, into dst within one bucket.
func (c *Client) Compose(ctx context.Context, bucket, dst string, sources []string, contentType string) (*Object, error) {
	if len(sources) == 0 || len(sources) > maxComposeSources {
		return nil, fmt.Errorf("gcs: compose needs 1 to %d sources, got %d", maxComposeSources, len(sources))
	}

	c.logger.Info("composing object",
		slog.String("bucket", bucket),
		slog.String("object", dst),
		slog.Int("sources", len(sources)),
	)

	req := &storage.ComposeRequest{
		Destination:   &storage.Object{ContentType: contentType},
		SourceObjects: make([]*storage.ComposeRequestSourceObjects, 0, len(sources)),
	}

	for _, s := range sources {
		req.SourceObjects = append(req.SourceObjects, &storage.ComposeRequestSourceObjects{Name: s})
	}

	body, header, err := jsonBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, apiRequest{
		method: http.MethodPost,
		url:    c.objectURL(bucket, dst) + "/compose",
		body:   body,
		header: header,
	})
	if err != nil {
		return nil, err
	}

	var raw storage.Object
	if err := decodeJSON(resp, &raw, "compose"); err != nil {
		return nil, err
	}

	obj := objectFromAPI(&raw, c.logger)

	return &obj, nil
}
