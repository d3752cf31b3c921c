// ABOUTME: Error taxonomy for the encrypted store and SQLite error classification
// ABOUTME: Maps driver error codes onto the sentinel/typed errors callers match against

package store

import (
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

// ErrNotFound is returned when a point lookup found no row where one was required.
var ErrNotFound = errors.New("not found")

// ErrKeyMismatch is returned when the supplied encryption key cannot open an
// existing encrypted database file.
var ErrKeyMismatch = errors.New("encryption key does not match existing database")

// ErrConnReleased is returned when a connection is requested after
// ReleaseConnection and before Reconnect.
var ErrConnReleased = errors.New("database connection released")

// ErrConnShared is returned when a transactional work closure retained an
// aliased connection handle past its own completion. Committing through a
// connection another task still holds would break single-writer discipline,
// so the transaction is rolled back instead.
var ErrConnShared = errors.New("connection handle still shared after transaction work")

// DuplicateWelcomeError indicates the same welcome message was applied twice.
// It is returned as an error so that an enclosing transaction which also wrote
// dependent cryptographic state for this welcome gets rolled back.
type DuplicateWelcomeError struct {
	WelcomeID *int64
}

func (e *DuplicateWelcomeError) Error() string {
	if e.WelcomeID != nil {
		return fmt.Sprintf("duplicate welcome %d already applied", *e.WelcomeID)
	}
	return "duplicate welcome already applied"
}

// IsDuplicateWelcome reports whether err is a DuplicateWelcomeError.
func IsDuplicateWelcome(err error) bool {
	var dup *DuplicateWelcomeError
	return errors.As(err, &dup)
}

// IsRetryable reports whether err is a transient locked/busy condition that a
// retry policy may reasonably wait out. All other errors are permanent from
// the store's point of view.
func IsRetryable(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// isConstraintViolation reports whether err is a unique/primary-key
// constraint failure.
func isConstraintViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	// The driver occasionally surfaces constraint failures as plain strings
	// when they occur inside batch statements.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isNotADatabase reports whether err is SQLITE_NOTADB, which is what SQLCipher
// surfaces when the key does not match the file.
func isNotADatabase(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrNotADB
	}
	return err != nil && strings.Contains(err.Error(), "file is not a database")
}

// isBrokenTxn reports whether err means the transaction manager is already
// unusable (rollback issued with no transaction active). This condition is a
// consequence of an earlier failure, never the cause, so it must not mask the
// original error.
func isBrokenTxn(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "no transaction is active")
}
