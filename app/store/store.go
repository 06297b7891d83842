// Package store provides per-project append-only JSONL journals.
package store

import "errors"

// ErrNotFound is returned when a project has no log file.
var ErrNotFound = errors.New("project log not found")
