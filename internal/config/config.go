// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for gcs-go. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Auth      AuthConfig      `toml:"auth"`
	Storage   StorageConfig   `toml:"storage"`
	Transfers TransfersConfig `toml:"transfers"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// AuthConfig selects the credential and signing identity. Exactly one of
// token, credentials_file and metadata is used, in that order of preference.
type AuthConfig struct {
	CredentialsFile  string   `toml:"credentials_file"`
	Token            string   `toml:"token"`
	UseMetadata      bool     `toml:"use_metadata"`
	MetadataEndpoint string   `toml:"metadata_endpoint"`
	Scopes           []string `toml:"scopes"`
	TokenCache       string   `toml:"token_cache"`
	SignerEmail      string   `toml:"signer_email"`
	IAMEndpoint      string   `toml:"iam_endpoint"`
}

// StorageConfig points at the service and the default project and bucket.
type StorageConfig struct {
	Endpoint string `toml:"endpoint"`
	Project  string `toml:"project"`
	Bucket   string `toml:"bucket"`
}

// TransfersConfig controls upload chunking and parallelism. chunk_size must
// be a multiple of 256 KiB per the resumable upload protocol.
type TransfersConfig struct {
	ChunkSize          string `toml:"chunk_size"`
	ResumableThreshold string `toml:"resumable_threshold"`
	ParallelUploads    int    `toml:"parallel_uploads"`
	BandwidthLimit     string `toml:"bandwidth_limit"`
	SessionDir         string `toml:"session_dir"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior: timeouts, user agent, and
// protocol version. force_http_11 is useful behind proxies that don't
// support HTTP/2.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
	ForceHTTP11    bool   `toml:"force_http_11"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath      string  // --config flag (empty = use default)
	CredentialsFile *string // --credentials
	Bucket          *string // --bucket
	Project         *string // --project
	Endpoint        *string // --endpoint
	LogLevel        *string // --log-level
	LogFormat       *string // --log-format
}
