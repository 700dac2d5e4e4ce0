package orm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fastmango/fastmango/internal/metrics"
)

// Manager runs queries for one model type against the session found in the
// context of each call. Obtain it with Register or Objects.
type Manager[T any] struct {
	meta *Meta
}

// Meta returns the descriptor table of the model.
func (m *Manager[T]) Meta() *Meta {
	return m.meta
}

// All returns every row ordered by primary key.
func (m *Manager[T]) All(ctx context.Context) ([]T, error) {
	return m.list(ctx, "all", nil)
}

// Filter returns the rows whose fields equal every given value, ordered by
// primary key. A nil value matches NULL.
func (m *Manager[T]) Filter(ctx context.Context, where Fields) ([]T, error) {
	return m.list(ctx, "filter", where)
}

// Get returns the matching row with the lowest primary key, or nil when no
// row matches.
func (m *Manager[T]) Get(ctx context.Context, where Fields) (obj *T, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBOperation(m.meta.Name, "get", time.Since(start), err) }()

	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	d := sess.db.dialect
	clauses, args, err := m.conditions(d, where)
	if err != nil {
		return nil, err
	}
	q := d.Rebind(m.selectSQL(d) + whereSQL(clauses) + m.orderSQL(d) + " LIMIT 1")
	sess.debug(ctx, m.meta.Name, q)

	var row T
	err = sess.query(ctx, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, &row, q, args...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetOr404 is Get, failing with *NotFoundError when no row matches.
func (m *Manager[T]) GetOr404(ctx context.Context, where Fields) (*T, error) {
	obj, err := m.Get(ctx, where)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, &NotFoundError{Model: m.meta.Name}
	}
	return obj, nil
}

// Count returns the number of rows matching where.
func (m *Manager[T]) Count(ctx context.Context, where Fields) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBOperation(m.meta.Name, "count", time.Since(start), err) }()

	sess, err := sessionFrom(ctx)
	if err != nil {
		return 0, err
	}
	d := sess.db.dialect
	clauses, args, err := m.conditions(d, where)
	if err != nil {
		return 0, err
	}
	n, err = m.count(ctx, sess, clauses, args)
	return n, err
}

// New builds a transient instance from fields, with tag defaults applied to
// the fields left out. Nothing is written.
func (m *Manager[T]) New(fields Fields) (*T, error) {
	obj := new(T)
	rv := reflect.ValueOf(obj).Elem()
	m.meta.applyDefaults(rv)

	fs, vals, err := m.meta.fieldsFor(fields)
	if err != nil {
		return nil, err
	}
	for i, f := range fs {
		if err := m.meta.assign(rv, f, vals[i]); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Create builds an instance from fields, inserts it in its own transaction
// and returns it with server-generated fields filled in.
func (m *Manager[T]) Create(ctx context.Context, fields Fields) (obj *T, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBOperation(m.meta.Name, "create", time.Since(start), err) }()

	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	obj, err = m.New(fields)
	if err != nil {
		return nil, err
	}
	if err := m.insert(ctx, sess, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// =============================================================================
// Statement building
// =============================================================================

func (m *Manager[T]) selectSQL(d Dialect) string {
	return fmt.Sprintf("SELECT %s FROM %s", d.quoteAll(m.meta.Columns()), d.Quote(m.meta.Table))
}

func (m *Manager[T]) orderSQL(d Dialect) string {
	return " ORDER BY " + d.Quote(m.meta.PK.Column) + " ASC"
}

func (m *Manager[T]) pkClause(d Dialect) string {
	return d.Quote(m.meta.PK.Column) + " = ?"
}

func (m *Manager[T]) conditions(d Dialect, where Fields) ([]string, []any, error) {
	fs, vals, err := m.meta.fieldsFor(where)
	if err != nil {
		return nil, nil, err
	}
	clauses := make([]string, 0, len(fs))
	args := make([]any, 0, len(fs))
	for i, f := range fs {
		if isNil(vals[i]) {
			clauses = append(clauses, d.Quote(f.Column)+" IS NULL")
			continue
		}
		clauses = append(clauses, d.Quote(f.Column)+" = ?")
		args = append(args, vals[i])
	}
	return clauses, args, nil
}

func whereSQL(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

// =============================================================================
// Execution
// =============================================================================

func (m *Manager[T]) list(ctx context.Context, op string, where Fields) (out []T, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBOperation(m.meta.Name, op, time.Since(start), err) }()

	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	d := sess.db.dialect
	clauses, args, err := m.conditions(d, where)
	if err != nil {
		return nil, err
	}
	q := d.Rebind(m.selectSQL(d) + whereSQL(clauses) + m.orderSQL(d))
	sess.debug(ctx, m.meta.Name, q)

	err = sess.query(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &out, q, args...)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func (m *Manager[T]) count(ctx context.Context, sess *Session, clauses []string, args []any) (int64, error) {
	d := sess.db.dialect
	q := d.Rebind("SELECT COUNT(*) FROM " + d.Quote(m.meta.Table) + whereSQL(clauses))
	sess.debug(ctx, m.meta.Name, q)

	var n int64
	err := sess.query(ctx, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, &n, q, args...)
	})
	return n, err
}

// insert writes obj in its own transaction. obj is only modified once the
// transaction has committed.
func (m *Manager[T]) insert(ctx context.Context, sess *Session, obj *T) error {
	work := reflect.New(m.meta.Type)
	work.Elem().Set(reflect.ValueOf(obj).Elem())

	err := sess.inTx(ctx, func(tx *sqlx.Tx) error {
		return m.insertTx(ctx, sess, tx, work.Elem())
	})
	if err != nil {
		return translateError(m.meta.Name, err)
	}
	reflect.ValueOf(obj).Elem().Set(work.Elem())
	return nil
}

func (m *Manager[T]) insertTx(ctx context.Context, sess *Session, tx *sqlx.Tx, v reflect.Value) error {
	d := sess.db.dialect
	meta := m.meta

	if meta.transient(v) && meta.PK.Kind == KindString {
		if err := meta.assign(v, meta.PK, newStringID()); err != nil {
			return err
		}
	}
	skipPK := meta.transient(v) && meta.PK.AutoIncrement

	cols := make([]string, 0, len(meta.Fields))
	args := make([]any, 0, len(meta.Fields))
	for _, f := range meta.Fields {
		if f == meta.PK && skipPK {
			continue
		}
		cols = append(cols, f.Column)
		args = append(args, meta.value(v, f).Interface())
	}

	q := "INSERT INTO " + d.Quote(meta.Table)
	if len(cols) == 0 {
		q += " DEFAULT VALUES"
	} else {
		q += fmt.Sprintf(" (%s) VALUES (%s)", d.quoteAll(cols), placeholders(len(cols)))
	}

	if d.Returning() {
		q = d.Rebind(q + " RETURNING " + d.quoteAll(meta.Columns()))
		sess.debug(ctx, meta.Name, q)
		return m.scanRow(ctx, tx, v, q, args)
	}

	q = d.Rebind(q)
	sess.debug(ctx, meta.Name, q)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if skipPK {
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if err := meta.assign(v, meta.PK, id); err != nil {
			return err
		}
	}
	return m.reloadTx(ctx, sess, tx, v)
}

// updateTx rewrites every non-key column of the row identified by v's key.
// It reports false when no such row exists.
func (m *Manager[T]) updateTx(ctx context.Context, sess *Session, tx *sqlx.Tx, v reflect.Value) (bool, error) {
	d := sess.db.dialect
	meta := m.meta
	pk := meta.pkValue(v)

	sets := make([]string, 0, len(meta.Fields))
	args := make([]any, 0, len(meta.Fields)+1)
	for _, f := range meta.Fields {
		if f == meta.PK {
			continue
		}
		sets = append(sets, d.Quote(f.Column)+" = ?")
		args = append(args, meta.value(v, f).Interface())
	}

	if len(sets) == 0 {
		q := d.Rebind("SELECT COUNT(*) FROM " + d.Quote(meta.Table) + " WHERE " + m.pkClause(d))
		var n int64
		if err := tx.GetContext(ctx, &n, q, pk); err != nil {
			return false, err
		}
		return n > 0, nil
	}

	args = append(args, pk)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", d.Quote(meta.Table), strings.Join(sets, ", "), m.pkClause(d))

	if d.Returning() {
		q = d.Rebind(q + " RETURNING " + d.quoteAll(meta.Columns()))
		sess.debug(ctx, meta.Name, q)
		err := m.scanRow(ctx, tx, v, q, args)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	}

	q = d.Rebind(q)
	sess.debug(ctx, meta.Name, q)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, m.reloadTx(ctx, sess, tx, v)
}

func (m *Manager[T]) reloadTx(ctx context.Context, sess *Session, tx *sqlx.Tx, v reflect.Value) error {
	d := sess.db.dialect
	q := d.Rebind(m.selectSQL(d) + " WHERE " + m.pkClause(d))
	sess.debug(ctx, m.meta.Name, q)
	return m.scanRow(ctx, tx, v, q, []any{m.meta.pkValue(v)})
}

// scanRow reads the single row returned by q into v. sqlx allocates nil
// pointer fields of its destination before it learns whether a row exists,
// so the scan goes through a scratch value and v only changes on success.
func (m *Manager[T]) scanRow(ctx context.Context, tx *sqlx.Tx, v reflect.Value, q string, args []any) error {
	row := reflect.New(m.meta.Type)
	if err := tx.QueryRowxContext(ctx, q, args...).StructScan(row.Interface()); err != nil {
		return err
	}
	v.Set(row.Elem())
	return nil
}
