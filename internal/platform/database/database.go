package database

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Dialect names the SQL engine behind a DB.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

const (
	defaultTxAttempts   = 5
	defaultTxTimeout    = 15 * time.Second
	defaultMaxOpenConns = 20
	retryBaseDelay      = 10 * time.Millisecond
)

// Config selects the engine and pool sizing for Open.
type Config struct {
	Dialect      Dialect
	DSN          string
	MaxOpenConns int
	TxAttempts   int
	TxTimeout    time.Duration
}

// DB wraps a sqlx handle with transaction-in-context helpers shared by the SQL repositories.
type DB struct {
	db       *sqlx.DB
	dialect  Dialect
	attempts int
	timeout  time.Duration
}

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type Queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Open connects to the configured database and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("database: dsn is required")
	}

	var (
		driverName string
		err        error
	)
	switch cfg.Dialect {
	case DialectMySQL:
		driverName = "mysql"
		dsn, err = normalizeMySQLDSN(dsn)
	case DialectSQLite:
		driverName = "sqlite"
		dsn = normalizeSQLiteDSN(dsn)
	default:
		return nil, fmt.Errorf("database: unsupported dialect %q", cfg.Dialect)
	}
	if err != nil {
		return nil, err
	}

	handle, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, WrapError("database.open", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	if cfg.Dialect == DialectSQLite {
		// SQLite allows a single writer; one connection keeps in-memory databases shared.
		maxOpen = 1
	}
	handle.SetMaxOpenConns(maxOpen)
	handle.SetMaxIdleConns(maxOpen)

	return New(handle, cfg), nil
}

// New wraps an existing sqlx handle.
func New(handle *sqlx.DB, cfg Config) *DB {
	attempts := cfg.TxAttempts
	if attempts <= 0 {
		attempts = defaultTxAttempts
	}
	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = Dialect(handle.DriverName())
	}
	return &DB{db: handle, dialect: dialect, attempts: attempts, timeout: timeout}
}

// Dialect reports the engine the handle talks to.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Handle exposes the underlying sqlx handle for migrations.
func (d *DB) Handle() *sqlx.DB {
	return d.db
}

// Close releases the connection pool.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return WrapError("database.ping", d.db.PingContext(ctx))
}

// ForUpdate returns the row locking suffix for SELECT statements. SQLite serialises writers through
// immediate transactions and has no row locks.
func (d *DB) ForUpdate(ctx context.Context) string {
	if d.dialect != DialectMySQL {
		return ""
	}
	if _, ok := TxFromContext(ctx); !ok {
		return ""
	}
	return " FOR UPDATE"
}

// Queryer returns the transaction bound to ctx, or the pool when none is active.
func (d *DB) Queryer(ctx context.Context) Queryer {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return d.db
}

type txContextKey struct{}

// WithTx attaches tx to ctx so repositories join the surrounding transaction.
func WithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction started by RunInTx, if any.
func TxFromContext(ctx context.Context) (*sqlx.Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(*sqlx.Tx)
	return tx, ok && tx != nil
}

// RunInTx executes fn inside a transaction, retrying deadlocks, lock timeouts, busy databases and
// duplicates on raced keys up to the configured attempt count. Nested calls reuse the outer transaction.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("database: transaction function is nil"))
	}
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		err = d.runOnce(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == d.attempts {
			break
		}
		delay := time.Duration(attempt)*retryBaseDelay + rand.N(retryBaseDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (d *DB) runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	txCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	tx, err := d.db.BeginTxx(txCtx, nil)
	if err != nil {
		return WrapError("transaction.begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(WithTx(txCtx, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return WrapError("transaction.commit", err)
	}
	return nil
}

func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("database: parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	if _, ok := cfg.Params["transaction_isolation"]; !ok {
		cfg.Params["transaction_isolation"] = "'READ-COMMITTED'"
	}
	return cfg.FormatDSN(), nil
}

func normalizeSQLiteDSN(dsn string) string {
	base, rawQuery, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		params = url.Values{}
	}
	if params.Get("_txlock") == "" {
		params.Set("_txlock", "immediate")
	}
	if params.Get("_time_format") == "" {
		params.Set("_time_format", "sqlite")
	}
	pragmas := params["_pragma"]
	if !containsPrefix(pragmas, "foreign_keys") {
		params.Add("_pragma", "foreign_keys(1)")
	}
	if !containsPrefix(pragmas, "busy_timeout") {
		params.Add("_pragma", "busy_timeout(5000)")
	}
	return base + "?" + params.Encode()
}

func containsPrefix(values []string, prefix string) bool {
	for _, v := range values {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}
