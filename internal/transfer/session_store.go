package transfer

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCorruptSession is returned when a session file cannot be parsed as JSON.
// The corrupt file is deleted automatically.
var ErrCorruptSession = errors.New("transfer: corrupt session file")

// sessionSubdir is the subdirectory within the data dir for upload session files.
const sessionSubdir = "upload-sessions"

// Session files hold pre-authenticated upload URLs.
const (
	sessionFilePerms = 0o600
	sessionDirPerms  = 0o700
)

// StaleSessionAge is the default TTL for upload session files. The service
// expires resumable sessions after a week.
const StaleSessionAge = 7 * 24 * time.Hour

// cleanThrottle prevents excessive directory scans. CleanStale is
// a no-op if called again within this interval.
const cleanThrottle = 1 * time.Hour

// SessionRecord is the on-disk JSON format for a persisted upload session.
type SessionRecord struct {
	Bucket     string    `json:"bucket"`
	Object     string    `json:"object"`
	LocalPath  string    `json:"local_path"`
	SessionURL string    `json:"session_url"`
	FileMD5    string    `json:"file_md5"`
	FileSize   int64     `json:"file_size"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionStore manages file-based upload session persistence. Session files
// are JSON files keyed by the destination and the content MD5, so a file that
// changed since the session started never resumes into it. Safe for
// concurrent Save/Load/Delete.
type SessionStore struct {
	dir    string
	logger *slog.Logger

	cleanMu   sync.Mutex
	lastClean time.Time
}

// NewSessionStore creates a SessionStore rooted at dataDir/upload-sessions.
func NewSessionStore(dataDir string, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		dir:    filepath.Join(dataDir, sessionSubdir),
		logger: logger,
	}
}

// Load reads the session record for bucket/object with content fileMD5.
// Returns nil, nil if no session file exists.
func (s *SessionStore) Load(bucket, object, fileMD5 string) (*SessionRecord, error) {
	path := s.filePath(bucket, object, fileMD5)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("transfer: reading session file: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("corrupt session file, deleting",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove corrupt session file",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
		}

		return nil, fmt.Errorf("%w: %w", ErrCorruptSession, err)
	}

	return &rec, nil
}

// Save persists a session record under its Bucket, Object and FileMD5.
// Creates the session directory if needed and triggers lazy stale-session
// cleanup (throttled to once per hour).
func (s *SessionStore) Save(rec *SessionRecord) error {
	if err := os.MkdirAll(s.dir, sessionDirPerms); err != nil {
		return fmt.Errorf("transfer: creating session dir: %w", err)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("transfer: marshaling session record: %w", err)
	}

	path := s.filePath(rec.Bucket, rec.Object, rec.FileMD5)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, sessionFilePerms); err != nil {
		return fmt.Errorf("transfer: writing session temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("transfer: renaming session temp file: %w", err)
	}

	s.cleanMu.Lock()
	due := time.Since(s.lastClean) >= cleanThrottle
	s.cleanMu.Unlock()

	if due {
		go s.cleanIfDue()
	}

	return nil
}

// Delete removes the session file. No error if it doesn't exist.
func (s *SessionStore) Delete(bucket, object, fileMD5 string) error {
	path := s.filePath(bucket, object, fileMD5)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transfer: deleting session file: %w", err)
	}

	return nil
}

// CleanStale removes session files older than maxAge. Returns the number
// of files deleted. Safe to call concurrently.
func (s *SessionStore) CleanStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("transfer: reading session dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to clean stale session",
				slog.String("file", e.Name()),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.logger.Info("deleted stale upload session",
			slog.String("file", e.Name()),
			slog.Duration("age", time.Since(info.ModTime())),
		)

		deleted++
	}

	return deleted, nil
}

// cleanIfDue runs CleanStale unless it ran within cleanThrottle.
func (s *SessionStore) cleanIfDue() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session cleanup", slog.Any("panic", r))
		}
	}()

	s.cleanMu.Lock()
	if time.Since(s.lastClean) < cleanThrottle {
		s.cleanMu.Unlock()
		return
	}

	s.lastClean = time.Now()
	s.cleanMu.Unlock()

	n, err := s.CleanStale(StaleSessionAge)
	if err != nil {
		s.logger.Warn("stale session cleanup failed", slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		s.logger.Info("cleaned stale upload sessions", slog.Int("count", n))
	}
}

// sessionKey produces a deterministic filename. Bucket and object are length
// prefixed so no choice of names can collide through the delimiter.
func sessionKey(bucket, object, fileMD5 string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%d:%s:%s", len(bucket), bucket, len(object), object, fileMD5))
	return fmt.Sprintf("%x.json", h)
}

func (s *SessionStore) filePath(bucket, object, fileMD5 string) string {
	return filepath.Join(s.dir, sessionKey(bucket, object, fileMD5))
}
