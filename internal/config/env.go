package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "GCS_GO_CONFIG"
	EnvCredentials = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvToken       = "GCS_GO_TOKEN"
	EnvBucket      = "GCS_GO_BUCKET"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath      string // GCS_GO_CONFIG: override config file path
	CredentialsFile string // GOOGLE_APPLICATION_CREDENTIALS: service account key file
	Token           string // GCS_GO_TOKEN: static bearer token
	Bucket          string // GCS_GO_BUCKET: default bucket
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:      os.Getenv(EnvConfig),
		CredentialsFile: os.Getenv(EnvCredentials),
		Token:           os.Getenv(EnvToken),
		Bucket:          os.Getenv(EnvBucket),
	}
}
