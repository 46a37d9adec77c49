package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// racedKeys name the unique keys two writers may legitimately contend for: the OPEN batch claim of a
// cutoff and a first idempotency reservation. Duplicates on these are retried because the next attempt
// reads the winner's row. Any other duplicate is a genuine collision and surfaces at once. Entries
// match both the MySQL 8 ("for key 'table.index'") and SQLite ("failed: table.column") messages.
var racedKeys = []string{
	"uq_batches_open_key",
	"batches.open_key",
	"idempotency_keys.PRIMARY",
	"idempotency_keys.id",
}

func racedDuplicate(err error) bool {
	msg := err.Error()
	for _, key := range racedKeys {
		if strings.Contains(msg, key) {
			return true
		}
	}
	return false
}

// Error implements repositories.RepositoryError for SQL backed repositories.
type Error struct {
	op          string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
	retryable   bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing row.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the error represents a constraint violation or lock contention.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable reports whether the database could not be reached.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

// NotFound builds a not-found error for lookups that matched no rows.
func NotFound(op, message string) error {
	return &Error{op: op, err: errors.New(message), notFound: true}
}

func newError(op string, err error) *Error {
	e := &Error{op: op, err: err}

	if errors.Is(err, sql.ErrNoRows) {
		e.notFound = true
		return e
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		e.unavailable = true
		return e
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDuplicateEntry:
			e.conflict = true
			e.retryable = racedDuplicate(err)
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			e.conflict = true
			e.retryable = true
		}
		return e
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE"):
			e.conflict = true
			e.retryable = racedDuplicate(err)
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			e.conflict = true
			e.retryable = true
		case code&0xff == sqlite3.SQLITE_CANTOPEN, code&0xff == sqlite3.SQLITE_IOERR:
			e.unavailable = true
		}
	}
	return e
}

// WrapError annotates driver errors with repository semantics. Context cancellations pass through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var dbErr *Error
	if errors.As(err, &dbErr) {
		if op != "" && dbErr.op == "" {
			dbErr.op = op
		}
		return err
	}
	return newError(op, err)
}

// IsRetryable reports whether err, anywhere in its chain, is a transaction conflict worth retrying.
func IsRetryable(err error) bool {
	var dbErr *Error
	if !errors.As(err, &dbErr) {
		return false
	}
	return dbErr.retryable
}
