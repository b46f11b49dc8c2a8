package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvCredentials, "/keys/sa.json")
	t.Setenv(EnvToken, "ya29.token")
	t.Setenv(EnvBucket, "bkt")

	assert.Equal(t, EnvOverrides{
		ConfigPath:      "/custom/config.toml",
		CredentialsFile: "/keys/sa.json",
		Token:           "ya29.token",
		Bucket:          "bkt",
	}, ReadEnvOverrides())
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	for _, k := range []string{EnvConfig, EnvCredentials, EnvToken, EnvBucket} {
		t.Setenv(k, "")
	}

	assert.Equal(t, EnvOverrides{}, ReadEnvOverrides())
}

func TestEnvVarConstants(t *testing.T) {
	assert.Equal(t, "GCS_GO_CONFIG", EnvConfig)
	assert.Equal(t, "GOOGLE_APPLICATION_CREDENTIALS", EnvCredentials)
}
