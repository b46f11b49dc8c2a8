package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/gcs-go/internal/gcs"
)

// ErrChecksumMismatch is returned when a download still disagrees with the
// object's digest after every retry.
var ErrChecksumMismatch = errors.New("transfer: checksum mismatch")

// defaultMaxHashRetries is the default number of additional download attempts
// when the content digest doesn't match the object.
const defaultMaxHashRetries = 2

// maxSaneRetries caps MaxHashRetries.
const maxSaneRetries = 100

func resolveMaxRetries(configured int) int {
	if configured <= 0 {
		return defaultMaxHashRetries
	}

	return min(configured, maxSaneRetries)
}

// DownloadOpts configures a single download.
type DownloadOpts struct {
	MaxHashRetries int  // 0 = use default (2 retries, meaning 3 total download attempts)
	SkipVerify     bool // accept content whatever its digest
	KeepMtime      bool // set the file's mtime to the object's update time
}

// UploadOpts configures a single upload.
type UploadOpts struct {
	ContentType  string
	CacheControl string
	Metadata     map[string]string
	ChunkSize    int64 // 0 = manager default
}

func (o UploadOpts) gcsOptions(size int64) gcs.UploadOptions {
	return gcs.UploadOptions{
		ContentType:  o.ContentType,
		CacheControl: o.CacheControl,
		Metadata:     o.Metadata,
		Size:         size,
		ChunkSize:    o.ChunkSize,
	}
}

// DownloadResult reports the outcome of a successful download.
type DownloadResult struct {
	Object   *gcs.Object
	Local    Checksums
	Size     int64
	Verified bool // false when the object has no digest or SkipVerify was set
}

// UploadResult reports the outcome of a successful upload.
type UploadResult struct {
	Object  *gcs.Object
	Local   Checksums
	Size    int64
	Resumed bool // a persisted session was continued
}

// Manager copies files to and from a bucket with integrity checks and
// persistent resumable sessions.
type Manager struct {
	downloads Downloader
	uploads   Uploader
	sessions  *SessionStore // nil = no session persistence
	logger    *slog.Logger
	threshold int64
	chunkSize int64
	bandwidth *Limiter // nil = unlimited
	hashFunc  func(string) (Checksums, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionStore enables upload session persistence.
func WithSessionStore(s *SessionStore) Option {
	return func(m *Manager) {
		m.sessions = s
	}
}

// WithResumableThreshold sets the file size above which uploads use a
// persisted resumable session.
func WithResumableThreshold(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithChunkSize sets the default chunk size of session uploads.
func WithChunkSize(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithBandwidthLimit caps the combined throughput of this manager's
// transfers.
func WithBandwidthLimit(l *Limiter) Option {
	return func(m *Manager) {
		m.bandwidth = l
	}
}

// NewManager creates a Manager.
func NewManager(dl Downloader, ul Uploader, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		downloads: dl,
		uploads:   ul,
		logger:    logger,
		threshold: gcs.DefaultResumableThreshold,
		chunkSize: gcs.DefaultChunkSize,
		hashFunc:  ComputeChecksums,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// DownloadFile downloads bucket/name to targetPath. Content lands in
// targetPath.partial first and is renamed into place only once its digest
// matches the object; a mismatch is retried with a fresh download.
func (m *Manager) DownloadFile(
	ctx context.Context, bucket, name, targetPath string, opts DownloadOpts,
) (*DownloadResult, error) {
	if targetPath == "" {
		return nil, errors.New("transfer: target path must not be empty")
	}

	if bucket == "" || name == "" {
		return nil, errors.New("transfer: bucket and object name must not be empty")
	}

	obj, err := m.downloads.GetObject(ctx, bucket, name)
	if err != nil {
		return nil, fmt.Errorf("transfer: stat %s/%s: %w", bucket, name, err)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil { //nolint:mnd // owner-only dir perms
		return nil, fmt.Errorf("transfer: creating parent dir for %s: %w", targetPath, err)
	}

	m.logger.Debug("DownloadFile",
		slog.String("bucket", bucket),
		slog.String("object", name),
		slog.String("target", targetPath),
	)

	partialPath := targetPath + ".partial"
	remote := RemoteChecksums(obj)
	maxRetries := resolveMaxRetries(opts.MaxHashRetries)

	var (
		local    Checksums
		size     int64
		verified bool
	)

	for attempt := range maxRetries + 1 {
		local, size, err = m.downloadToPartial(ctx, bucket, name, partialPath)
		if err != nil {
			return nil, err
		}

		if opts.SkipVerify {
			break
		}

		match, checked := verify(local, remote)
		if !checked {
			m.logger.Warn("object has no checksum, skipping verification",
				slog.String("object", name),
			)

			break
		}

		if match {
			verified = true
			break
		}

		os.Remove(partialPath)

		if attempt == maxRetries {
			return nil, fmt.Errorf("%w: %s/%s after %d attempts (local md5 %s, remote md5 %s)",
				ErrChecksumMismatch, bucket, name, attempt+1, local.MD5, remote.MD5)
		}

		m.logger.Warn("download checksum mismatch, retrying",
			slog.String("target", targetPath),
			slog.Int("attempt", attempt+1),
			slog.String("local_md5", local.MD5),
			slog.String("remote_md5", remote.MD5),
		)
	}

	if size != obj.Size {
		m.logger.Warn("download size mismatch",
			slog.String("target", targetPath),
			slog.Int64("local_size", size),
			slog.Int64("remote_size", obj.Size),
		)
	}

	if opts.KeepMtime && !obj.Updated.IsZero() {
		if err := os.Chtimes(partialPath, obj.Updated, obj.Updated); err != nil {
			m.logger.Warn("failed to set mtime on partial",
				slog.String("target", targetPath),
				slog.String("error", err.Error()),
			)
		}
	}

	// On failure the .partial file stays for inspection.
	if err := os.Rename(partialPath, targetPath); err != nil {
		return nil, fmt.Errorf("transfer: renaming partial to %s: %w", targetPath, err)
	}

	m.logger.Debug("download complete",
		slog.String("target", targetPath),
		slog.Int64("size", size),
		slog.Bool("verified", verified),
	)

	return &DownloadResult{Object: obj, Local: local, Size: size, Verified: verified}, nil
}

// downloadToPartial streams the object into partialPath while hashing it.
func (m *Manager) downloadToPartial(ctx context.Context, bucket, name, partialPath string) (Checksums, int64, error) {
	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:mnd // owner-only file perms
	if err != nil {
		return Checksums{}, 0, fmt.Errorf("transfer: creating partial file %s: %w", partialPath, err)
	}

	sum := newChecksummer()

	size, err := m.downloads.DownloadTo(ctx, bucket, name, m.bandwidth.WrapWriter(ctx, io.MultiWriter(f, sum)))
	if err != nil {
		if closeErr := f.Close(); closeErr != nil {
			m.logger.Warn("failed to close partial file after download error",
				slog.String("path", partialPath), slog.String("error", closeErr.Error()))
		}

		os.Remove(partialPath)

		return Checksums{}, 0, fmt.Errorf("transfer: downloading to %s: %w", partialPath, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(partialPath)
		return Checksums{}, 0, fmt.Errorf("transfer: closing partial file %s: %w", partialPath, err)
	}

	return sum.sums(), size, nil
}

// UploadFile uploads localPath to bucket/name. Files above the resumable
// threshold use a persisted session when a SessionStore is configured and
// the Uploader supports sessions.
func (m *Manager) UploadFile(
	ctx context.Context, bucket, name, localPath string, opts UploadOpts,
) (*UploadResult, error) {
	if bucket == "" || name == "" {
		return nil, errors.New("transfer: bucket and object name must not be empty")
	}

	if localPath == "" {
		return nil, errors.New("transfer: local path must not be empty")
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: stat %s: %w", localPath, err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("transfer: %s is a directory", localPath)
	}

	// The digest keys the session record, so it is computed before the upload
	// opens the file again.
	local, err := m.hashFunc(localPath)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening %s for upload: %w", localPath, err)
	}
	defer file.Close()

	f := m.bandwidth.WrapReadSeeker(ctx, file)

	size := info.Size()

	m.logger.Debug("UploadFile",
		slog.String("path", localPath),
		slog.String("bucket", bucket),
		slog.String("object", name),
		slog.Int64("size", size),
	)

	var (
		obj     *gcs.Object
		resumed bool
	)

	su, hasSU := m.uploads.(SessionUploader)

	if size > m.threshold && m.sessions != nil && hasSU {
		obj, resumed, err = m.sessionUpload(ctx, su, f, bucket, name, localPath, local.MD5, size, opts)
	} else {
		obj, err = m.uploads.Upload(ctx, bucket, name, f, opts.gcsOptions(size))
		if err != nil {
			err = fmt.Errorf("transfer: uploading %s: %w", localPath, err)
		}
	}

	if err != nil {
		return nil, err
	}

	if match, checked := verify(local, RemoteChecksums(obj)); checked && !match {
		m.logger.Warn("upload checksum mismatch",
			slog.String("path", localPath),
			slog.String("local_md5", local.MD5),
			slog.String("remote_md5", RemoteChecksums(obj).MD5),
		)
	}

	m.logger.Debug("upload complete",
		slog.String("path", localPath),
		slog.String("object", name),
		slog.Int64("size", size),
	)

	return &UploadResult{Object: obj, Local: local, Size: size, Resumed: resumed}, nil
}

// sessionUpload resumes a persisted session for the same content when one
// exists, and otherwise starts and persists a new one. The record is
// deleted once the upload completes or its session turns out to be dead.
func (m *Manager) sessionUpload(
	ctx context.Context, su SessionUploader, f io.ReadSeeker,
	bucket, name, localPath, fileMD5 string, size int64, opts UploadOpts,
) (*gcs.Object, bool, error) {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = m.chunkSize
	}

	rec, loadErr := m.sessions.Load(bucket, name, fileMD5)
	if loadErr != nil {
		m.logger.Warn("failed to load upload session",
			slog.String("path", localPath),
			slog.String("error", loadErr.Error()),
		)
	}

	if rec != nil && rec.FileSize == size {
		m.logger.Info("resuming persisted upload session", slog.String("path", localPath))

		session := &gcs.UploadSession{URL: rec.SessionURL, Bucket: bucket, Name: name, TotalSize: size}

		obj, err := su.ResumeUpload(ctx, session, f, chunk)
		if err == nil {
			m.deleteSession(bucket, name, fileMD5)
			return obj, true, nil
		}

		// A session that fails to resume is never retried.
		m.deleteSession(bucket, name, fileMD5)

		if !sessionExpired(err) {
			return nil, false, fmt.Errorf("transfer: resuming upload of %s: %w", localPath, err)
		}

		m.logger.Info("upload session expired, creating fresh session", slog.String("path", localPath))

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, false, fmt.Errorf("transfer: rewinding %s: %w", localPath, err)
		}
	}

	session, err := su.StartResumable(ctx, bucket, name, opts.gcsOptions(size))
	if err != nil {
		return nil, false, fmt.Errorf("transfer: creating upload session for %s: %w", localPath, err)
	}

	if saveErr := m.sessions.Save(&SessionRecord{
		Bucket:     bucket,
		Object:     name,
		LocalPath:  localPath,
		SessionURL: session.URL,
		FileMD5:    fileMD5,
		FileSize:   size,
	}); saveErr != nil {
		m.logger.Warn("failed to save upload session, a crash will restart this upload",
			slog.String("path", localPath),
			slog.String("error", saveErr.Error()),
		)
	}

	obj, err := su.UploadToSession(ctx, session, f, chunk)
	if err != nil {
		// The record stays so the next attempt resumes.
		return nil, false, fmt.Errorf("transfer: uploading %s: %w", localPath, err)
	}

	m.deleteSession(bucket, name, fileMD5)

	return obj, false, nil
}

// sessionExpired reports whether the service no longer knows the session.
func sessionExpired(err error) bool {
	return errors.Is(err, gcs.ErrNotFound) || errors.Is(err, gcs.ErrGone)
}

func (m *Manager) deleteSession(bucket, name, fileMD5 string) {
	if err := m.sessions.Delete(bucket, name, fileMD5); err != nil {
		m.logger.Warn("failed to delete session file",
			slog.String("object", name),
			slog.String("error", err.Error()),
		)
	}
}
