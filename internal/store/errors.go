package store

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateName is returned by CreateBackend when name uniqueness is
// violated (spec.md §6: POST /api/backends 409 on duplicate name).
var ErrDuplicateName = errors.New("store: duplicate backend name")

// Retryable reports whether err is a SQLITE_BUSY/SQLITE_LOCKED
// condition the Flusher should retry with backoff (§4.1 failure
// semantics), as opposed to a constraint violation, which is fatal for
// the offending row.
func Retryable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	// Fallback for wrapped/driver-agnostic messages, mirroring the
	// teacher's defensive string checks around busy-db errors.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// IsConstraint reports whether err is a constraint violation (UNIQUE,
// FOREIGN KEY, CHECK...), which the Flusher treats as fatal for that
// row rather than retryable.
func IsConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "constraint")
}
