package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/go-pkgz/lgr"
)

// ConfigError indicates the authorized tokens file is missing or unusable.
// This is an operator problem, surfaced to clients as a generic 500 with
// details going to the log only.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// AuthError indicates a rejected client credential, carrying the HTTP status
// to return (401 for missing header, 403 for unknown token).
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string { return e.Msg }

// TokenAuth validates a request header against a JSON file mapping usernames
// to tokens. The file is re-read on the request path whenever its mtime
// changes, so operators can rotate credentials without a restart.
type TokenAuth struct {
	filePath    string
	headerName  string
	requireFile bool

	mu        sync.RWMutex
	tokens    map[string]string // token -> username
	enabled   bool
	lastMtime time.Time
}

// NewTokenAuth creates a TokenAuth for the given credentials file and header.
// An empty filePath (or a missing file) disables authentication unless
// requireFile is set, in which case it is a ConfigError. The header name is
// kept even when disabled so its value can still be redacted from records.
func NewTokenAuth(filePath, headerName string, requireFile bool) (*TokenAuth, error) {
	a := &TokenAuth{filePath: filePath, headerName: headerName, requireFile: requireFile}

	if filePath == "" {
		if requireFile {
			return nil, &ConfigError{Msg: "authorized tokens file path not provided"}
		}
		return a, nil
	}

	if _, err := os.Stat(filePath); errors.Is(err, fs.ErrNotExist) {
		if requireFile {
			return nil, &ConfigError{Msg: fmt.Sprintf("authorized tokens file not found at %s", filePath)}
		}
		return a, nil
	}

	if err := a.Reload(true); err != nil {
		return nil, err
	}
	return a, nil
}

// Enabled returns true if authentication is active, i.e. tokens are loaded.
func (a *TokenAuth) Enabled() bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// HeaderName returns the configured token header name.
func (a *TokenAuth) HeaderName() string {
	if a == nil {
		return ""
	}
	return a.headerName
}

// Reload re-reads the credentials file. Unless forced, the read is skipped
// when the file's mtime matches the last successful load, which keeps the
// per-request reload to a single stat call in the common case.
func (a *TokenAuth) Reload(force bool) error {
	if a.filePath == "" {
		return nil
	}

	fi, err := os.Stat(a.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return &ConfigError{Msg: fmt.Sprintf("authorized tokens file not found at %s", a.filePath)}
	}
	if err != nil {
		return &ConfigError{Msg: fmt.Sprintf("failed to stat authorized tokens file: %v", err)}
	}

	a.mu.RLock()
	unchanged := !force && a.lastMtime.Equal(fi.ModTime())
	a.mu.RUnlock()
	if unchanged {
		return nil
	}

	tokens, err := loadTokens(a.filePath)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.tokens = tokens
	a.enabled = true
	a.lastMtime = fi.ModTime()
	a.mu.Unlock()

	log.Printf("[INFO] loaded %d token(s) from %s", len(tokens), a.filePath)
	return nil
}

// loadTokens reads and validates the credentials file, returning the inverted
// token -> username mapping. The file must be a JSON object mapping non-blank
// string usernames to non-blank string tokens, with no token shared between
// usernames.
func loadTokens(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from CLI flag, controlled by admin
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("failed to read authorized tokens file: %v", err)}
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("authorized tokens file at %s is not valid JSON", path)}
	}

	mapping, ok := raw.(map[string]any)
	if !ok {
		return nil, &ConfigError{Msg: "authorized tokens file must contain a JSON object mapping usernames to tokens"}
	}

	tokens := make(map[string]string, len(mapping))
	for username, v := range mapping {
		token, ok := v.(string)
		if !ok {
			return nil, &ConfigError{Msg: "authorized tokens file must map string usernames to string tokens"}
		}
		username, token = strings.TrimSpace(username), strings.TrimSpace(token)
		if username == "" || token == "" {
			return nil, &ConfigError{Msg: "authorized tokens file contains blank usernames or tokens"}
		}
		if prev, exists := tokens[token]; exists {
			return nil, &ConfigError{Msg: fmt.Sprintf("authorized tokens file assigns the same token to %q and %q", prev, username)}
		}
		tokens[token] = username
	}

	if len(tokens) == 0 {
		return nil, &ConfigError{Msg: "authorized tokens file is empty"}
	}
	return tokens, nil
}

// Authenticate validates the request's token header and returns the mapped
// username. It reloads the credentials file first if its mtime changed; a
// broken file fails the request rather than silently opening access.
func (a *TokenAuth) Authenticate(r *http.Request) (string, error) {
	if err := a.Reload(false); err != nil {
		return "", err
	}

	header := strings.TrimSpace(r.Header.Get(a.headerName))
	if header == "" {
		return "", &AuthError{Status: http.StatusUnauthorized,
			Msg: fmt.Sprintf("Missing required token header '%s'", a.headerName)}
	}

	a.mu.RLock()
	username, ok := a.tokens[header]
	a.mu.RUnlock()
	if !ok {
		return "", &AuthError{Status: http.StatusForbidden, Msg: "Provided token is not recognized"}
	}
	return username, nil
}

// contextKey is a private type for request context values set by this package.
type contextKey int

// userContextKey holds the authenticated username.
const userContextKey contextKey = 0

// AuthenticatedUser returns the username stored by Middleware,
// empty when the request was not authenticated.
func AuthenticatedUser(ctx context.Context) string {
	username, _ := ctx.Value(userContextKey).(string)
	return username
}

// Middleware authenticates requests with the configured token header and
// stores the resolved username in the request context. Pass-through when
// authentication is disabled. The enabled check runs per request, so tokens
// loaded by the hot-reload watcher take effect without a restart.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		username, err := a.Authenticate(r)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				log.Printf("[INFO] rejected %s %s: %v", r.Method, r.URL.Path, err)
				http.Error(w, authErr.Msg, authErr.Status)
				return
			}
			log.Printf("[ERROR] token validation unavailable: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, username)))
	})
}

// StartWatcher starts watching the credentials file for changes, forcing a
// reload when it is written or replaced. The mtime gate in Authenticate stays
// the correctness mechanism; the watcher just picks changes up sooner and
// enables auth when the file appears after startup.
// The watcher stops when the context is canceled.
func (a *TokenAuth) StartWatcher(ctx context.Context) error {
	if a.filePath == "" {
		return errors.New("authorized tokens file path not set")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// watch the directory containing the tokens file (not the file itself)
	// this catches atomic renames used by editors and secret managers
	dir := filepath.Dir(a.filePath)
	filename := filepath.Base(a.filePath)

	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	log.Printf("[INFO] watching authorized tokens file %s for changes", a.filePath)

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		const debounceDelay = 100 * time.Millisecond

		for {
			select {
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				log.Printf("[INFO] authorized tokens watcher stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				// only react to events on our tokens file
				if filepath.Base(event.Name) != filename {
					continue
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				// debounce rapid changes
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := a.Reload(true); err != nil {
						log.Printf("[WARN] failed to reload authorized tokens: %v", err)
					}
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] authorized tokens watcher error: %v", err)
			}
		}
	}()

	return nil
}
