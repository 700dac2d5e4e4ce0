package orm

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/internal/metrics"
)

// Options configure the connection pool opened by Open.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
	Logger          *logging.Logger
}

// DB is the process-wide engine: a connection pool plus the dialect used to
// render statements. Sessions are opened from it per request.
type DB struct {
	x       *sqlx.DB
	dialect Dialect
	log     *logging.Logger
}

// Open connects to the database and verifies the connection.
func Open(driver, dsn string, opts Options) (*DB, error) {
	if driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}
	if dsn == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	x, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		x.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		x.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		x.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := x.PingContext(ctx); err != nil {
		x.Close()
		return nil, err
	}

	return NewDB(x, opts.Logger), nil
}

// NewDB wraps an existing sqlx handle. The handle's mapper is replaced so
// struct scanning resolves columns the same way model descriptors do.
func NewDB(x *sqlx.DB, log *logging.Logger) *DB {
	x.MapperFunc(snakeCase)
	if log == nil {
		log = logging.NewNop()
	}
	return &DB{x: x, dialect: NewDialect(x.DriverName()), log: log}
}

// X returns the underlying sqlx handle.
func (db *DB) X() *sqlx.DB {
	return db.x
}

// Dialect returns the SQL dialect of the connection.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Session returns a new session. No connection is taken from the pool until
// the session runs its first statement.
func (db *DB) Session() *Session {
	metrics.SessionOpened()
	return &Session{db: db}
}

// Scope opens a session, installs it in ctx for the duration of fn and
// releases it afterwards, whether fn returns or panics.
func (db *DB) Scope(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	sess := db.Session()
	scoped, tok := Set(ctx, sess)
	defer func() {
		Reset(tok)
		if cerr := sess.Close(); cerr != nil {
			db.log.WithContext(ctx).WithError(cerr).Warn("error closing database session")
			if err == nil {
				err = cerr
			}
		}
	}()
	return fn(scoped)
}

// Close disposes of the connection pool.
func (db *DB) Close() error {
	return db.x.Close()
}
