package transfer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionStore_SaveLoadDelete(t *testing.T) {
	t.Parallel()

	store := NewSessionStore(t.TempDir(), discardLogger())

	rec, err := store.Load("bkt", "dir/obj", "md5")
	require.NoError(t, err)
	assert.Nil(t, rec)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Save(&SessionRecord{
		Bucket:     "bkt",
		Object:     "dir/obj",
		LocalPath:  "/tmp/report.csv",
		SessionURL: "https://example.com/upload?upload_id=abc",
		FileMD5:    "md5",
		FileSize:   1024,
		CreatedAt:  now,
	}))

	rec, err = store.Load("bkt", "dir/obj", "md5")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "https://example.com/upload?upload_id=abc", rec.SessionURL)
	assert.Equal(t, "/tmp/report.csv", rec.LocalPath)
	assert.Equal(t, int64(1024), rec.FileSize)
	assert.True(t, rec.CreatedAt.Equal(now))

	// Different content never resumes into this session.
	other, err := store.Load("bkt", "dir/obj", "changed")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, store.Delete("bkt", "dir/obj", "md5"))

	rec, err = store.Load("bkt", "dir/obj", "md5")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSessionStore_DeleteNonexistent(t *testing.T) {
	t.Parallel()

	store := NewSessionStore(t.TempDir(), discardLogger())
	assert.NoError(t, store.Delete("bkt", "nothing", "md5"))
}

func TestSessionStore_CorruptFile(t *testing.T) {
	t.Parallel()

	store := NewSessionStore(t.TempDir(), discardLogger())
	path := store.filePath("bkt", "obj", "md5")

	require.NoError(t, os.MkdirAll(filepath.Dir(path), sessionDirPerms))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), sessionFilePerms))

	_, err := store.Load("bkt", "obj", "md5")
	require.ErrorIs(t, err, ErrCorruptSession)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "corrupt file should be removed")
}

func TestSessionStore_SaveSetsCreatedAtAndPerms(t *testing.T) {
	t.Parallel()

	store := NewSessionStore(t.TempDir(), discardLogger())
	before := time.Now().UTC()

	rec := &SessionRecord{Bucket: "bkt", Object: "obj", FileMD5: "m", SessionURL: "u"}
	require.NoError(t, store.Save(rec))
	assert.False(t, rec.CreatedAt.Before(before.Add(-time.Second)))

	info, err := os.Stat(store.filePath("bkt", "obj", "m"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(sessionFilePerms), info.Mode().Perm())

	entries, err := os.ReadDir(store.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file left behind")
}

func TestSessionStore_CleanStale(t *testing.T) {
	t.Parallel()

	store := NewSessionStore(t.TempDir(), discardLogger())
	store.lastClean = time.Now() // keep the lazy cleanup out of the way

	require.NoError(t, store.Save(&SessionRecord{Bucket: "bkt", Object: "old", FileMD5: "m"}))
	require.NoError(t, store.Save(&SessionRecord{Bucket: "bkt", Object: "new", FileMD5: "m"}))

	old := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(store.filePath("bkt", "old", "m"), old, old))

	n, err := store.CleanStale(StaleSessionAge)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := store.Load("bkt", "new", "m")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestSessionStore_CleanStale_MissingDir(t *testing.T) {
	t.Parallel()

	n, err := NewSessionStore(t.TempDir(), discardLogger()).CleanStale(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, sessionKey("b", "o", "m"), sessionKey("b", "o", "m"))
	assert.NotEqual(t, sessionKey("a:", "b", "m"), sessionKey("a", ":b", "m"))
	assert.NotEqual(t, sessionKey("b", "o:1", "m"), sessionKey("b", "o", "1:m"))
}

func TestSessionStore_Concurrent(t *testing.T) {
	t.Parallel()

	store := NewSessionStore(t.TempDir(), discardLogger())

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			name := fmt.Sprintf("obj-%d", i)
			assert.NoError(t, store.Save(&SessionRecord{Bucket: "bkt", Object: name, FileMD5: "m"}))

			rec, err := store.Load("bkt", name, "m")
			assert.NoError(t, err)
			assert.NotNil(t, rec)

			assert.NoError(t, store.Delete("bkt", name, "m"))
		}()
	}

	wg.Wait()
}
