package config

// Default values for configuration options. These are the "layer 0" of the
// override chain and work without any config file.
const (
	defaultEndpoint           = "https://storage.googleapis.com"
	defaultIAMEndpoint        = "https://iamcredentials.googleapis.com"
	defaultMetadataEndpoint   = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"
	defaultScope              = "https://www.googleapis.com/auth/devstorage.full_control"
	defaultChunkSize          = "8MiB"
	defaultResumableThreshold = "5MiB"
	defaultParallelUploads    = 4
	defaultBandwidthLimit     = "0"
	defaultLogLevel           = "warn"
	defaultLogFormat          = "auto"
	defaultConnectTimeout     = "10s"
	defaultDataTimeout        = "60s"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Auth:      defaultAuthConfig(),
		Storage:   defaultStorageConfig(),
		Transfers: defaultTransfersConfig(),
		Logging:   defaultLoggingConfig(),
		Network:   defaultNetworkConfig(),
	}
}

func defaultAuthConfig() AuthConfig {
	return AuthConfig{
		MetadataEndpoint: defaultMetadataEndpoint,
		Scopes:           []string{defaultScope},
		IAMEndpoint:      defaultIAMEndpoint,
	}
}

func defaultStorageConfig() StorageConfig {
	return StorageConfig{Endpoint: defaultEndpoint}
}

func defaultTransfersConfig() TransfersConfig {
	return TransfersConfig{
		ChunkSize:          defaultChunkSize,
		ResumableThreshold: defaultResumableThreshold,
		ParallelUploads:    defaultParallelUploads,
		BandwidthLimit:     defaultBandwidthLimit,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}
