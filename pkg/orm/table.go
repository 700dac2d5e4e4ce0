package orm

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fastmango/fastmango/internal/metrics"
)

// Query selects a page of rows for Table.List.
type Query struct {
	Where         Fields
	Search        string
	SearchColumns []string
	Limit         int
	Offset        int
}

// Table is a type-erased view of a Manager, for code that handles models it
// does not know statically (the admin API, CLI tooling). Rows are returned as
// pointers to the model type.
type Table interface {
	Meta() *Meta
	List(ctx context.Context, q Query) (rows []any, total int64, err error)
	Lookup(ctx context.Context, pk string) (any, error)
	CreateJSON(ctx context.Context, data []byte) (any, error)
	UpdateJSON(ctx context.Context, pk string, data []byte) (any, error)
	DeleteByPK(ctx context.Context, pk string) error
}

var _ Table = (*Manager[struct{ ID int }])(nil)

// List returns one page of rows matching q and the number of rows matching
// q without paging. Search matches case-insensitively against the string
// columns named in SearchColumns.
func (m *Manager[T]) List(ctx context.Context, q Query) (rows []any, total int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBOperation(m.meta.Name, "list", time.Since(start), err) }()

	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, 0, err
	}
	d := sess.db.dialect
	clauses, args, err := m.conditions(d, q.Where)
	if err != nil {
		return nil, 0, err
	}
	if q.Search != "" && len(q.SearchColumns) > 0 {
		var ors []string
		pattern := "%" + strings.ToLower(q.Search) + "%"
		for _, name := range q.SearchColumns {
			f, ok := m.meta.Field(name)
			if !ok {
				return nil, 0, &InvalidFieldError{Model: m.meta.Name, Field: name}
			}
			if f.Kind != KindString {
				continue
			}
			ors = append(ors, "LOWER("+d.Quote(f.Column)+") LIKE ?")
			args = append(args, pattern)
		}
		if len(ors) > 0 {
			clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
		}
	}

	total, err = m.count(ctx, sess, clauses, args)
	if err != nil {
		return nil, 0, err
	}

	stmt := m.selectSQL(d) + whereSQL(clauses) + m.orderSQL(d)
	if q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		stmt += fmt.Sprintf(" OFFSET %d", q.Offset)
	}
	stmt = d.Rebind(stmt)
	sess.debug(ctx, m.meta.Name, stmt)

	var out []T
	err = sess.query(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &out, stmt, args...)
	})
	if err != nil {
		return nil, 0, err
	}
	rows = make([]any, len(out))
	for i := range out {
		rows[i] = &out[i]
	}
	return rows, total, nil
}

// Lookup finds a row by the text form of its primary key.
func (m *Manager[T]) Lookup(ctx context.Context, pk string) (any, error) {
	return m.lookup(ctx, pk)
}

func (m *Manager[T]) lookup(ctx context.Context, pk string) (*T, error) {
	key, err := parseValue(m.meta.PK.GoType, pk)
	if err != nil {
		return nil, fmt.Errorf("%w: %s key %q: %v", ErrInvalidValue, m.meta.Name, pk, err)
	}
	return m.GetOr404(ctx, Fields{m.meta.PK.Name: key})
}

// CreateJSON inserts an instance decoded from a JSON object. Fields left out
// of the object take their tag defaults.
func (m *Manager[T]) CreateJSON(ctx context.Context, data []byte) (any, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	obj := new(T)
	m.meta.applyDefaults(reflect.ValueOf(obj).Elem())
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	start := time.Now()
	err = m.insert(ctx, sess, obj)
	metrics.RecordDBOperation(m.meta.Name, "create", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// UpdateJSON applies a partial JSON object to the row with key pk. The key
// itself cannot be changed.
func (m *Manager[T]) UpdateJSON(ctx context.Context, pk string, data []byte) (any, error) {
	obj, err := m.lookup(ctx, pk)
	if err != nil {
		return nil, err
	}
	v := reflect.ValueOf(obj).Elem()
	key := reflect.ValueOf(m.meta.pkValue(v))
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	m.meta.value(v, m.meta.PK).Set(key)

	if err := m.Save(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// DeleteByPK deletes the row with key pk.
func (m *Manager[T]) DeleteByPK(ctx context.Context, pk string) error {
	obj, err := m.lookup(ctx, pk)
	if err != nil {
		return err
	}
	return m.Delete(ctx, obj)
}
