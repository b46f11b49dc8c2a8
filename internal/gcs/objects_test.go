package gcs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	storage "google.golang.org/api/storage/v1"
)

func TestGetObject_Normalizes(t *testing.T) {
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/storage/v1/b/bkt/o/dir%2Fobj", r.URL.EscapedPath())
		_, _ = io.WriteString(w, `{
			"bucket": "bkt",
			"name": "dir/obj",
			"size": "5",
			"generation": "1700000000000001",
			"metageneration": "2",
			"contentType": "text/plain",
			"md5Hash": "XUFAKrxLKna5cZ2REBfFkg==",
			"crc32c": "mnG7TA==",
			"etag": "CAE=",
			"metadata": {"owner": "ops"},
			"timeCreated": "2024-01-02T03:04:05.678Z",
			"updated": "not-a-time"
		}`)
	})

	obj, err := c.GetObject(context.Background(), "bkt", "dir/obj")
	require.NoError(t, err)

	assert.Equal(t, "bkt", obj.Bucket)
	assert.Equal(t, "dir/obj", obj.Name)
	assert.Equal(t, int64(5), obj.Size)
	assert.Equal(t, int64(1700000000000001), obj.Generation)
	assert.Equal(t, int64(2), obj.Metageneration)
	assert.Equal(t, "text/plain", obj.ContentType)
	assert.Len(t, obj.MD5, 16)
	assert.True(t, obj.HasCRC32C)
	assert.Equal(t, uint32(0x9a71bb4c), obj.CRC32C)
	assert.Equal(t, map[string]string{"owner": "ops"}, obj.Metadata)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 678000000, time.UTC), obj.Created)
	assert.True(t, obj.Updated.IsZero())
}

func TestExists(t *testing.T) {
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/storage/v1/b/bkt/o/present" {
			_, _ = io.WriteString(w, `{"name":"present"}`)
			return
		}

		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"not found"}`)
	})

	ok, err := c.Exists(context.Background(), "bkt", "present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Exists(context.Background(), "bkt", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExists_OtherErrorsPropagate(t *testing.T) {
	c := newServerClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	ok, err := c.Exists(context.Background(), "bkt", "obj")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDeleteObject(t *testing.T) {
	var method, path string

	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.DeleteObject(context.Background(), "bkt", "obj"))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/storage/v1/b/bkt/o/obj", path)
}

func TestPatchObject_SendsOnlySetFields(t *testing.T) {
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Empty(t, cmp.Diff(map[string]any{
			"cacheControl": "no-cache",
			"metadata":     map[string]any{"k": "v"},
		}, got))

		_, _ = io.WriteString(w, `{"name":"obj","cacheControl":"no-cache","metadata":{"k":"v"}}`)
	})

	obj, err := c.PatchObject(context.Background(), "bkt", "obj", ObjectUpdate{
		CacheControl: "no-cache",
		Metadata:     map[string]string{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, "no-cache", obj.CacheControl)
}

func TestListObjects_PaginatesWithPrefixes(t *testing.T) {
	var queries []map[string][]string

	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/storage/v1/b/bkt/o", r.URL.Path)
		queries = append(queries, r.URL.Query())

		if r.URL.Query().Get("pageToken") == "" {
			_, _ = io.WriteString(w, `{"items":[{"name":"a/1"}],"prefixes":["a/"],"nextPageToken":"NXT"}`)
			return
		}

		_, _ = io.WriteString(w, `{"items":[{"name":"b/2"}],"prefixes":["b/"]}`)
	})

	list, err := c.ListObjects(context.Background(), "bkt", Query{Delimiter: "/", PageSize: 1})
	require.NoError(t, err)

	require.Len(t, list.Objects, 2)
	assert.Equal(t, "a/1", list.Objects[0].Name)
	assert.Equal(t, "b/2", list.Objects[1].Name)
	assert.Equal(t, []string{"a/", "b/"}, list.Prefixes)

	want := []map[string][]string{
		{"delimiter": {"/"}, "maxResults": {"1"}},
		{"delimiter": {"/"}, "maxResults": {"1"}, "pageToken": {"NXT"}},
	}
	assert.Empty(t, cmp.Diff(want, queries))
}

func TestListObjects_ErrorNamesPage(t *testing.T) {
	c := newServerClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.ListObjects(context.Background(), "bkt", Query{Prefix: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "page 1")
}

func TestCompose(t *testing.T) {
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/storage/v1/b/bkt/o/obj/compose", r.URL.Path)

		var req storage.ComposeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text/plain", req.Destination.ContentType)
		require.Len(t, req.SourceObjects, 2)
		assert.Equal(t, "a", req.SourceObjects[0].Name)
		assert.Equal(t, "b", req.SourceObjects[1].Name)

		_, _ = io.WriteString(w, `{"name":"obj","componentCount":2}`)
	})

	obj, err := c.Compose(context.Background(), "bkt", "obj", []string{"a", "b"}, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "obj", obj.Name)
}

func TestCompose_SourceLimits(t *testing.T) {
	c := NewClient(staticToken("a"))

	_, err := c.Compose(context.Background(), "bkt", "obj", nil, "")
	require.Error(t, err)

	_, err = c.Compose(context.Background(), "bkt", "obj", make([]string, maxComposeSources+1), "")
	require.Error(t, err)
}

func TestGetBucket(t *testing.T) {
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/storage/v1/b/bkt", r.URL.Path)
		_, _ = io.WriteString(w, `{"name":"bkt","location":"EU","storageClass":"STANDARD","projectNumber":"42"}`)
	})

	b, err := c.GetBucket(context.Background(), "bkt")
	require.NoError(t, err)
	assert.Equal(t, Bucket{Name: "bkt", Location: "EU", StorageClass: "STANDARD", ProjectNumber: 42}, *b)
}

func TestListBuckets_PaginationAndIDFallback(t *testing.T) {
	c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/storage/v1/b", r.URL.Path)
		assert.Equal(t, "p1", r.URL.Query().Get("project"))

		if r.URL.Query().Get("pageToken") == "" {
			_, _ = io.WriteString(w, `{"items":[{"id":"b1"}],"nextPageToken":"NXT"}`)
			return
		}

		_, _ = io.WriteString(w, `{"items":[{"id":"b2"}]}`)
	})

	buckets, err := c.ListBuckets(context.Background(), "p1")
	require.NoError(t, err)

	names := make([]string, 0, len(buckets))
	for _, b := range buckets {
		names = append(names, b.Name)
	}

	assert.Equal(t, []string{"b1", "b2"}, names)
}

func TestListBuckets_RequiresProject(t *testing.T) {
	_, err := NewClient(staticToken("a")).ListBuckets(context.Background(), "")
	assert.Error(t, err)
}
