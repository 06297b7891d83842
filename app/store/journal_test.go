package store

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeProject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "metrics", "metrics"},
		{"mixed case and digits", "Feed42", "Feed42"},
		{"dashes stripped", "test-dataset", "testdataset"},
		{"path separators stripped", "../etc/passwd", "etcpasswd"},
		{"spaces and punctuation", "my project!", "myproject"},
		{"unicode stripped", "café-日誌", "caf"},
		{"empty", "", ""},
		{"only symbols", "...", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeProject(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, SanitizeProject(got), "sanitization must be idempotent")
		})
	}
}

func TestRotateIfNeeded(t *testing.T) {
	t.Run("missing file is a no-op", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "absent.jsonl")
		require.NoError(t, RotateIfNeeded(path, 1))
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("below threshold is a no-op", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "small.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
		require.NoError(t, RotateIfNeeded(path, 1000))

		_, err := os.Stat(path)
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(filepath.Dir(path), "small.1.jsonl"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("at threshold renames to first backup", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "feed.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("line\n"), 0o644))

		require.NoError(t, RotateIfNeeded(path, 5))

		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "original path must be free after rotation")
		data, err := os.ReadFile(filepath.Join(dir, "feed.1.jsonl"))
		require.NoError(t, err)
		assert.Equal(t, "line\n", string(data))
	})

	t.Run("picks lowest unused backup number", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "feed.jsonl")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "feed.1.jsonl"), []byte("old1\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "feed.2.jsonl"), []byte("old2\n"), 0o644))
		require.NoError(t, os.WriteFile(path, []byte("current\n"), 0o644))

		require.NoError(t, RotateIfNeeded(path, 1))

		data, err := os.ReadFile(filepath.Join(dir, "feed.3.jsonl"))
		require.NoError(t, err)
		assert.Equal(t, "current\n", string(data))

		// earlier backups untouched
		data, err = os.ReadFile(filepath.Join(dir, "feed.1.jsonl"))
		require.NoError(t, err)
		assert.Equal(t, "old1\n", string(data))
	})
}

func TestJournal_Append(t *testing.T) {
	t.Run("creates file and round-trips the payload", func(t *testing.T) {
		dir := t.TempDir()
		j := NewJournal(dir, 0)

		rec := Record{
			Timestamp:  1724630400.5,
			ClientIP:   "192.0.2.1",
			RequestURL: "http://localhost:8000/json-collector/test-dataset",
			RequestHeaders: map[string]string{
				"Content-Type": "application/json",
			},
			PostedData: map[string]any{"temperature": float64(21)},
		}
		require.NoError(t, j.Append("test-dataset", rec))

		data, err := os.ReadFile(filepath.Join(dir, "testdataset.jsonl"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 1)

		var got Record
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
		assert.Equal(t, rec.ClientIP, got.ClientIP)
		assert.Equal(t, rec.RequestURL, got.RequestURL)
		assert.Equal(t, map[string]any{"temperature": float64(21)}, got.PostedData)
		assert.Empty(t, got.AuthenticatedUser)
		assert.NotContains(t, lines[0], "authenticated_user", "field must be omitted when empty")
	})

	t.Run("appends one line per record", func(t *testing.T) {
		dir := t.TempDir()
		j := NewJournal(dir, 0)

		require.NoError(t, j.Append("feed", Record{PostedData: map[string]any{"a": float64(1)}}))
		require.NoError(t, j.Append("feed", Record{PostedData: map[string]any{"a": float64(2)}}))

		data, err := os.ReadFile(filepath.Join(dir, "feed.jsonl"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		assert.Len(t, lines, 2)
	})

	t.Run("rotates before writing when threshold reached", func(t *testing.T) {
		dir := t.TempDir()
		j := NewJournal(dir, 1) // everything rotates on the next write

		require.NoError(t, j.Append("rotation-feed", Record{PostedData: map[string]any{"a": float64(1)}}))
		require.NoError(t, j.Append("rotation-feed", Record{PostedData: map[string]any{"a": float64(2)}}))

		rotated, err := os.ReadFile(filepath.Join(dir, "rotationfeed.1.jsonl"))
		require.NoError(t, err)
		current, err := os.ReadFile(filepath.Join(dir, "rotationfeed.jsonl"))
		require.NoError(t, err)

		var first, second Record
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(rotated))), &first))
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(current))), &second))
		assert.Equal(t, map[string]any{"a": float64(1)}, first.PostedData)
		assert.Equal(t, map[string]any{"a": float64(2)}, second.PostedData)
	})

	t.Run("missing data dir fails", func(t *testing.T) {
		j := NewJournal(filepath.Join(t.TempDir(), "nope"), 0)
		err := j.Append("feed", Record{PostedData: "x"})
		require.Error(t, err)
	})
}

func TestJournal_Open(t *testing.T) {
	t.Run("unknown project", func(t *testing.T) {
		j := NewJournal(t.TempDir(), 0)
		_, err := j.Open("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("reads back what was written", func(t *testing.T) {
		j := NewJournal(t.TempDir(), 0)
		require.NoError(t, j.Append("feed", Record{PostedData: "hello"}))

		fh, err := j.Open("feed")
		require.NoError(t, err)
		defer fh.Close()

		data, err := io.ReadAll(fh)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"posted_data":"hello"`)
	})

	t.Run("read and write paths share sanitization", func(t *testing.T) {
		j := NewJournal(t.TempDir(), 0)
		require.NoError(t, j.Append("my-feed", Record{PostedData: "x"}))

		fh, err := j.Open("my_feed!") // sanitizes to the same basename
		require.NoError(t, err)
		require.NoError(t, fh.Close())
	})
}

func TestNewJournal_DefaultMaxSize(t *testing.T) {
	j := NewJournal(t.TempDir(), 0)
	assert.Equal(t, int64(DefaultMaxFileSize), j.maxSize)

	j = NewJournal(t.TempDir(), 100)
	assert.Equal(t, int64(100), j.maxSize)
}
