package orm

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/fastmango/fastmango/internal/metrics"
)

// Session is one request's unit of work against the database. It owns at
// most one pooled connection, taken lazily and returned by Close. A session
// must not be shared between requests.
type Session struct {
	db *DB

	mu     sync.Mutex
	conn   *sqlx.Conn
	closed bool
}

// DB returns the engine the session was opened from.
func (s *Session) DB() *DB {
	return s.db
}

func (s *Session) acquire(ctx context.Context) (*sqlx.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.conn == nil {
		conn, err := s.db.x.Connx(ctx)
		if err != nil {
			return nil, err
		}
		s.conn = conn
	}
	return s.conn, nil
}

// Close returns the session's connection to the pool. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		metrics.SessionClosed()
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// query runs a read against the session connection.
func (s *Session) query(ctx context.Context, fn func(conn *sqlx.Conn) error) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	return fn(conn)
}

// inTx runs fn in a transaction on the session connection and commits it.
// The transaction is rolled back when fn fails.
func (s *Session) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Session) debug(ctx context.Context, model, statement string) {
	s.db.log.WithContext(ctx).WithField("model", model).WithField("sql", statement).Debug("orm statement")
}
