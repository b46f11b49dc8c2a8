package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is a validated Config after every override layer, with sizes and
// durations already parsed.
type Resolved struct {
	Config

	Path               string // config file the values came from; may not exist
	ChunkSize          int64
	ResumableThreshold int64
	BandwidthLimit     int64 // bytes per second, 0 = unlimited
	ConnectTimeout     time.Duration
	DataTimeout        time.Duration
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg, env)
	applyCLI(cfg, cli)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return newResolved(cfg, cfgPath)
}

// applyEnv layers environment values over the file. A token or key file
// from the environment replaces the file's whole credential choice.
func applyEnv(cfg *Config, env EnvOverrides) {
	if env.Token != "" {
		cfg.Auth.Token = env.Token
	}

	if env.CredentialsFile != "" && cfg.Auth.Token == "" {
		cfg.Auth.CredentialsFile = env.CredentialsFile
	}

	if env.Bucket != "" {
		cfg.Storage.Bucket = env.Bucket
	}
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	if cli.CredentialsFile != nil {
		cfg.Auth.CredentialsFile = *cli.CredentialsFile
		cfg.Auth.Token = ""
	}

	if cli.Bucket != nil {
		cfg.Storage.Bucket = *cli.Bucket
	}

	if cli.Project != nil {
		cfg.Storage.Project = *cli.Project
	}

	if cli.Endpoint != nil {
		cfg.Storage.Endpoint = *cli.Endpoint
	}

	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}

	if cli.LogFormat != nil {
		cfg.Logging.LogFormat = *cli.LogFormat
	}
}

// newResolved parses the validated string fields.
func newResolved(cfg *Config, path string) (*Resolved, error) {
	r := &Resolved{Config: *cfg, Path: path}

	var err error

	if r.ChunkSize, err = ParseSize(cfg.Transfers.ChunkSize); err != nil {
		return nil, err
	}

	if r.ResumableThreshold, err = ParseSize(cfg.Transfers.ResumableThreshold); err != nil {
		return nil, err
	}

	if r.BandwidthLimit, err = ParseBandwidth(cfg.Transfers.BandwidthLimit); err != nil {
		return nil, err
	}

	if r.ConnectTimeout, err = time.ParseDuration(cfg.Network.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("connect_timeout: %w", err)
	}

	if r.DataTimeout, err = time.ParseDuration(cfg.Network.DataTimeout); err != nil {
		return nil, fmt.Errorf("data_timeout: %w", err)
	}

	if r.Auth.TokenCache == "" && DefaultDataDir() != "" {
		r.Auth.TokenCache = DefaultTokenCachePath()
	}

	if r.Transfers.SessionDir == "" {
		r.Transfers.SessionDir = DefaultDataDir()
	}

	return r, nil
}
