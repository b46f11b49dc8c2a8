package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestLoad_FileNotFound(t *testing.T) {
	tf, err := Load("/nonexistent/path/token.json")
	assert.Nil(t, tf)
	assert.NoError(t, err)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")

	expiry := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	in := &File{
		Token:   &oauth2.Token{AccessToken: "ya29.abc", TokenType: "Bearer", Expiry: expiry},
		Subject: "sa@example.iam.gserviceaccount.com",
		Scopes:  []string{"https://www.googleapis.com/auth/devstorage.read_write"},
	}

	require.NoError(t, Save(path, in))

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ya29.abc", out.Token.AccessToken)
	assert.True(t, out.Token.Expiry.Equal(expiry))
	assert.Equal(t, in.Subject, out.Subject)
	assert.Equal(t, in.Scopes, out.Scopes)
}

func TestSave_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "a"}}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoad_MissingTokenField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"subject":"x"}`), 0o600))

	tf, err := Load(path)
	assert.Nil(t, tf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token field")
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json}`), 0o600))

	tf, err := Load(path)
	assert.Nil(t, tf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestMatches(t *testing.T) {
	tf := &File{Subject: "a", Scopes: []string{"s1", "s2"}}

	assert.True(t, tf.Matches("a", []string{"s1", "s2"}))
	assert.False(t, tf.Matches("b", []string{"s1", "s2"}))
	assert.False(t, tf.Matches("a", []string{"s1"}))

	var nilFile *File
	assert.False(t, nilFile.Matches("a", nil))
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "a"}}))

	require.NoError(t, Remove(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Second remove is a no-op.
	assert.NoError(t, Remove(path))
}
