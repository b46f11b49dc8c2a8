package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func ptr[T any](v T) *T { return &v }

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[auth]
credentials_file = "/etc/gcs/key.json"
scopes = ["https://www.googleapis.com/auth/devstorage.read_only"]
token_cache = "/var/cache/gcs/token.json"
signer_email = "signer@proj.iam.gserviceaccount.com"

[storage]
endpoint = "http://localhost:4443"
project = "proj"
bucket = "data"

[transfers]
chunk_size = "16MiB"
resumable_threshold = "1MB"
parallel_uploads = 8

[logging]
log_level = "debug"
log_format = "json"

[network]
connect_timeout = "5s"
data_timeout = "2m"
user_agent = "custom/1"
force_http_11 = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/etc/gcs/key.json", cfg.Auth.CredentialsFile)
	assert.Equal(t, []string{"https://www.googleapis.com/auth/devstorage.read_only"}, cfg.Auth.Scopes)
	assert.Equal(t, "signer@proj.iam.gserviceaccount.com", cfg.Auth.SignerEmail)
	assert.Equal(t, defaultIAMEndpoint, cfg.Auth.IAMEndpoint, "unset keys keep defaults")
	assert.Equal(t, "http://localhost:4443", cfg.Storage.Endpoint)
	assert.Equal(t, "data", cfg.Storage.Bucket)
	assert.Equal(t, "16MiB", cfg.Transfers.ChunkSize)
	assert.Equal(t, 8, cfg.Transfers.ParallelUploads)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.True(t, cfg.Network.ForceHTTP11)
}

func TestLoad_InvalidTOML(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[storage\nbucket = "))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationErrorsCollected(t *testing.T) {
	_, err := Load(writeTestConfig(t, `
[transfers]
chunk_size = "300KiB"
parallel_uploads = 0

[logging]
log_level = "verbose"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
	assert.Contains(t, err.Error(), "parallel_uploads")
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_LayerPrecedence(t *testing.T) {
	path := writeTestConfig(t, `
[auth]
credentials_file = "/file/key.json"

[storage]
bucket = "from-file"
project = "file-project"
`)

	t.Setenv("XDG_DATA_HOME", t.TempDir())

	r, err := Resolve(
		EnvOverrides{ConfigPath: path, Bucket: "from-env"},
		CLIOverrides{Project: ptr("cli-project"), LogLevel: ptr("debug")},
	)
	require.NoError(t, err)

	assert.Equal(t, path, r.Path)
	assert.Equal(t, "/file/key.json", r.Auth.CredentialsFile)
	assert.Equal(t, "from-env", r.Storage.Bucket)
	assert.Equal(t, "cli-project", r.Storage.Project)
	assert.Equal(t, "debug", r.Logging.LogLevel)

	assert.Equal(t, int64(8<<20), r.ChunkSize)
	assert.Equal(t, int64(5<<20), r.ResumableThreshold)
	assert.Equal(t, 10*time.Second, r.ConnectTimeout)
	assert.Equal(t, time.Minute, r.DataTimeout)
	assert.NotEmpty(t, r.Auth.TokenCache)
	assert.NotEmpty(t, r.Transfers.SessionDir)
}

func TestResolve_CLIConfigPathWins(t *testing.T) {
	envPath := writeTestConfig(t, "[storage]\nbucket = \"env\"\n")
	cliPath := writeTestConfig(t, "[storage]\nbucket = \"cli\"\n")

	r, err := Resolve(EnvOverrides{ConfigPath: envPath}, CLIOverrides{ConfigPath: cliPath})
	require.NoError(t, err)
	assert.Equal(t, "cli", r.Storage.Bucket)
}

func TestResolve_EnvTokenBeatsKeyFile(t *testing.T) {
	path := writeTestConfig(t, "")

	r, err := Resolve(EnvOverrides{ConfigPath: path, Token: "tok", CredentialsFile: "/env/key.json"}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "tok", r.Auth.Token)
	assert.Empty(t, r.Auth.CredentialsFile)

	// An explicit --credentials flag replaces the token.
	r, err = Resolve(EnvOverrides{ConfigPath: path, Token: "tok"}, CLIOverrides{CredentialsFile: ptr("/cli/key.json")})
	require.NoError(t, err)
	assert.Empty(t, r.Auth.Token)
	assert.Equal(t, "/cli/key.json", r.Auth.CredentialsFile)
}

func TestResolve_InvalidOverride(t *testing.T) {
	_, err := Resolve(
		EnvOverrides{ConfigPath: writeTestConfig(t, "")},
		CLIOverrides{LogFormat: ptr("xml")},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_format")
}
