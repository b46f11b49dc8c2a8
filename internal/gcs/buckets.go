package gcs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	storage "google.golang.org/api/storage/v1"
)

// GetBucket returns a bucket's metadata.
func (c *Client) GetBucket(ctx context.Context, bucket string) (*Bucket, error) {
	resp, err := c.do(ctx, apiRequest{
		method:    http.MethodGet,
		url:       c.bucketURL(bucket),
		retryable: true,
	})
	if err != nil {
		return nil, err
	}

	var raw storage.Bucket
	if err := decodeJSON(resp, &raw, "bucket"); err != nil {
		return nil, err
	}

	b := bucketFromAPI(&raw, c.logger)

	return &b, nil
}

// ListBuckets lists a project's buckets across all pages.
func (c *Client) ListBuckets(ctx context.Context, project string) ([]Bucket, error) {
	if project == "" {
		return nil, fmt.Errorf("gcs: listing buckets requires a project")
	}

	var (
		out       []Bucket
		pageToken string
	)

	for {
		params := url.Values{"project": {project}}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		resp, err := c.do(ctx, apiRequest{
			method:    http.MethodGet,
			url:       withQuery(c.endpoint+"/storage/v1/b", params),
			retryable: true,
		})
		if err != nil {
			return nil, err
		}

		var raw storage.Buckets
		if err := decodeJSON(resp, &raw, "bucket list"); err != nil {
			return nil, err
		}

		for _, b := range raw.Items {
			if b != nil {
				out = append(out, bucketFromAPI(b, c.logger))
			}
		}

		if raw.NextPageToken == "" {
			c.logger.Debug("bucket listing complete",
				slog.String("project", project),
				slog.Int("buckets", len(out)),
			)

			return out, nil
		}

		pageToken = raw.NextPageToken
	}
}
