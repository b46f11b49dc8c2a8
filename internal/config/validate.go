package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/gcs-go/internal/gcs"
)

// Validation range constants.
const (
	chunkAlignBytes    = gcs.ChunkAlignment
	maxChunkBytes      = 512 << 20
	minParallelUploads = 1
	maxParallelUploads = 64
	minConnectTimeout  = 1 * time.Second
	minDataTimeout     = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found, so
// users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

func validateAuth(a *AuthConfig) []error {
	var errs []error

	if len(a.Scopes) == 0 {
		errs = append(errs, errors.New("scopes: at least one scope is required"))
	}

	for _, s := range a.Scopes {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, errors.New("scopes: empty scope"))
		}
	}

	if a.SignerEmail != "" && !strings.Contains(a.SignerEmail, "@") {
		errs = append(errs, fmt.Errorf("signer_email: %q is not an email address", a.SignerEmail))
	}

	errs = append(errs, validateURL("metadata_endpoint", a.MetadataEndpoint)...)
	errs = append(errs, validateURL("iam_endpoint", a.IAMEndpoint)...)

	return errs
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	errs = append(errs, validateURL("endpoint", s.Endpoint)...)

	if strings.ContainsAny(s.Bucket, "/ ") {
		errs = append(errs, fmt.Errorf("bucket: %q is not a bucket name", s.Bucket))
	}

	return errs
}

func validateURL(key, raw string) []error {
	if raw == "" {
		return []error{fmt.Errorf("%s: must not be empty", key)}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", key, err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("%s: must be an http or https URL, got %q", key, raw)}
	}

	return nil
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.ParallelUploads < minParallelUploads || t.ParallelUploads > maxParallelUploads {
		errs = append(errs, fmt.Errorf("parallel_uploads: must be between %d and %d, got %d",
			minParallelUploads, maxParallelUploads, t.ParallelUploads))
	}

	errs = append(errs, validateChunkSize(t.ChunkSize)...)

	threshold, err := ParseSize(t.ResumableThreshold)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("resumable_threshold: %w", err))
	case threshold <= 0:
		errs = append(errs, fmt.Errorf("resumable_threshold: must be positive, got %q", t.ResumableThreshold))
	}

	if _, err := ParseBandwidth(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	return errs
}

func validateChunkSize(s string) []error {
	n, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("chunk_size: %w", err)}
	}

	if n < chunkAlignBytes || n > maxChunkBytes {
		return []error{fmt.Errorf("chunk_size: must be between 256KiB and 512MiB, got %s", s)}
	}

	if n%chunkAlignBytes != 0 {
		return []error{fmt.Errorf(
			"chunk_size: must be a multiple of 256 KiB (%d bytes), got %s (%d bytes)",
			chunkAlignBytes, s, n)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDuration("data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateDuration(key, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", key, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", key, minimum, value)}
	}

	return nil
}
