package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// DefaultMaxFileSize is the rotation threshold used when none is configured, 50MB.
const DefaultMaxFileSize = 52428800

// fileExtension is the extension for all journal files.
const fileExtension = ".jsonl"

// Record is a single journal entry, one JSON line per ingested request.
type Record struct {
	Timestamp         float64           `json:"timestamp"` // unix seconds
	ClientIP          string            `json:"client_ip"`
	RequestHeaders    map[string]string `json:"request_headers"`
	RequestURL        string            `json:"request_url"`
	PostedData        any               `json:"posted_data"`
	AuthenticatedUser string            `json:"authenticated_user,omitempty"`
}

// Journal manages per-project append-only log files in a single directory.
// Files rotate to numbered backups once they reach the size threshold.
// Concurrent appends to the same project are not serialized here; the worst
// case is interleaved lines, acceptable for log collection.
type Journal struct {
	dir     string
	maxSize int64
}

// NewJournal creates a Journal writing to dir. maxSize of 0 means DefaultMaxFileSize.
func NewJournal(dir string, maxSize int64) *Journal {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Journal{dir: dir, maxSize: maxSize}
}

// SanitizeProject reduces a project name to its alphanumeric characters.
// The result is used as the on-disk basename, so the read and write paths
// must both go through it for a project to map to one file.
func SanitizeProject(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FilePath returns the current log file path for a project.
func (j *Journal) FilePath(project string) string {
	return filepath.Join(j.dir, SanitizeProject(project)+fileExtension)
}

// Append rotates the project's log file if it reached the size threshold and
// writes the record as a single JSON line, creating the file if needed.
// The data directory must exist; a missing or unwritable directory is an error.
func (j *Journal) Append(project string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	path := j.FilePath(project)
	if err := RotateIfNeeded(path, j.maxSize); err != nil {
		return err
	}

	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // path built from sanitized name
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := fh.Write(append(data, '\n')); err != nil {
		_ = fh.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	log.Printf("[DEBUG] appended %d bytes to %s", len(data)+1, path)
	return nil
}

// Open returns the project's current log file for reading.
// Returns ErrNotFound if the project has no log file yet.
func (j *Journal) Open(project string) (io.ReadCloser, error) {
	fh, err := os.Open(j.FilePath(project))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open project log: %w", err)
	}
	return fh, nil
}

// RotateIfNeeded renames filename to a numbered backup when its size reached
// maxSize, leaving no file at the original path. Backups get the lowest
// unused suffix (name.1.jsonl, name.2.jsonl, ...) so prior rotations are
// never overwritten. Rotation is a pure rename, cheap and atomic on a single
// filesystem. No-op when the file does not exist or is below the threshold.
func RotateIfNeeded(filename string, maxSize int64) error {
	fi, err := os.Stat(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", filename, err)
	}
	if fi.Size() < maxSize {
		return nil
	}

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		backup := fmt.Sprintf("%s.%d%s", base, n, ext)
		if _, err := os.Stat(backup); err == nil {
			continue // backup slot taken, try the next one
		}
		if err := os.Rename(filename, backup); err != nil {
			return fmt.Errorf("failed to rotate %s to %s: %w", filename, backup, err)
		}
		log.Printf("[INFO] rotated %s to %s (%d bytes)", filename, backup, fi.Size())
		return nil
	}
}
