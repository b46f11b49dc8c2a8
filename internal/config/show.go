package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as annotated TOML to w.
// This powers "config show": the values after every override layer. The
// static token is masked.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.Path)

	renderAuthSection(ew, &r.Auth)
	renderStorageSection(ew, &r.Storage)
	renderTransfersSection(ew, r)
	renderLoggingSection(ew, &r.Logging)
	renderNetworkSection(ew, &r.Network)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderAuthSection(ew *errWriter, a *AuthConfig) {
	ew.printf("[auth]\n")

	if a.Token != "" {
		ew.printf("token = %q\n", "********")
	}

	if a.CredentialsFile != "" {
		ew.printf("credentials_file = %q\n", a.CredentialsFile)
	}

	ew.printf("use_metadata = %t\n", a.UseMetadata)
	ew.printf("metadata_endpoint = %q\n", a.MetadataEndpoint)
	ew.printf("scopes = [%s]\n", quoteList(a.Scopes))
	ew.printf("token_cache = %q\n", a.TokenCache)

	if a.SignerEmail != "" {
		ew.printf("signer_email = %q\n", a.SignerEmail)
	}

	ew.printf("iam_endpoint = %q\n\n", a.IAMEndpoint)
}

func renderStorageSection(ew *errWriter, s *StorageConfig) {
	ew.printf("[storage]\n")
	ew.printf("endpoint = %q\n", s.Endpoint)
	ew.printf("project = %q\n", s.Project)
	ew.printf("bucket = %q\n\n", s.Bucket)
}

func renderTransfersSection(ew *errWriter, r *Resolved) {
	ew.printf("[transfers]\n")
	ew.printf("chunk_size = %q # %d bytes\n", r.Transfers.ChunkSize, r.ChunkSize)
	ew.printf("resumable_threshold = %q # %d bytes\n", r.Transfers.ResumableThreshold, r.ResumableThreshold)
	ew.printf("parallel_uploads = %d\n", r.Transfers.ParallelUploads)
	ew.printf("bandwidth_limit = %q # %d bytes/s, 0 = unlimited\n", r.Transfers.BandwidthLimit, r.BandwidthLimit)
	ew.printf("session_dir = %q\n\n", r.Transfers.SessionDir)
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("log_level = %q\n", l.LogLevel)
	ew.printf("log_format = %q\n\n", l.LogFormat)
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("data_timeout = %q\n", n.DataTimeout)

	if n.UserAgent != "" {
		ew.printf("user_agent = %q\n", n.UserAgent)
	}

	ew.printf("force_http_11 = %t\n", n.ForceHTTP11)
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}
