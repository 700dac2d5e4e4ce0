package orm

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fastmango/fastmango/internal/metrics"
)

// Save persists obj. A transient instance is inserted. An instance with a
// key updates its row, or is inserted with that key when the row does not
// exist (never saved, or deleted since). The write commits before Save
// returns and obj is refreshed from the stored row.
func Save[T any](ctx context.Context, obj *T) error {
	return Objects[T]().Save(ctx, obj)
}

// Delete removes the row of obj and commits.
func Delete[T any](ctx context.Context, obj *T) error {
	return Objects[T]().Delete(ctx, obj)
}

// Save is the Manager form of the package-level Save.
func (m *Manager[T]) Save(ctx context.Context, obj *T) (err error) {
	start := time.Now()
	defer func() { metrics.RecordDBOperation(m.meta.Name, "save", time.Since(start), err) }()

	sess, err := sessionFrom(ctx)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("%w: nil %s", ErrInvalidValue, m.meta.Name)
	}

	work := reflect.New(m.meta.Type)
	work.Elem().Set(reflect.ValueOf(obj).Elem())
	v := work.Elem()

	err = sess.inTx(ctx, func(tx *sqlx.Tx) error {
		if !m.meta.transient(v) {
			updated, err := m.updateTx(ctx, sess, tx, v)
			if err != nil || updated {
				return err
			}
		}
		return m.insertTx(ctx, sess, tx, v)
	})
	if err != nil {
		return translateError(m.meta.Name, err)
	}
	reflect.ValueOf(obj).Elem().Set(v)
	return nil
}

// Delete is the Manager form of the package-level Delete. A transient
// instance fails with ErrNotPersisted; an instance whose row is already gone
// fails with *NotFoundError.
func (m *Manager[T]) Delete(ctx context.Context, obj *T) (err error) {
	start := time.Now()
	defer func() { metrics.RecordDBOperation(m.meta.Name, "delete", time.Since(start), err) }()

	sess, err := sessionFrom(ctx)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("%w: nil %s", ErrInvalidValue, m.meta.Name)
	}
	v := reflect.ValueOf(obj).Elem()
	if m.meta.transient(v) {
		return ErrNotPersisted
	}

	d := sess.db.dialect
	q := d.Rebind("DELETE FROM " + d.Quote(m.meta.Table) + " WHERE " + m.pkClause(d))
	sess.debug(ctx, m.meta.Name, q)

	err = sess.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, m.meta.pkValue(v))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &NotFoundError{Model: m.meta.Name}
		}
		return nil
	})
	return translateError(m.meta.Name, err)
}

func newStringID() string {
	return uuid.NewString()
}
