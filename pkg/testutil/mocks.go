// Package testutil provides helpers for testing code built on the orm
// against go-sqlmock.
package testutil

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/pkg/orm"
)

// NewMockDB returns an orm.DB whose connections are served by a sqlmock.
// The driver name selects the dialect. The mock is closed when the test ends.
func NewMockDB(t testing.TB, driverName string) (*orm.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return orm.NewDB(sqlx.NewDb(raw, driverName), logging.NewNop()), mock
}

// WithSession installs a fresh session of db in a context. The session is
// reset and closed when the test ends.
func WithSession(t testing.TB, db *orm.DB) context.Context {
	t.Helper()
	sess := db.Session()
	ctx, tok := orm.Set(context.Background(), sess)
	t.Cleanup(func() {
		orm.Reset(tok)
		_ = sess.Close()
	})
	return ctx
}

// Rows builds mock rows with the columns of meta, in declaration order.
func Rows(meta *orm.Meta, values ...[]driver.Value) *sqlmock.Rows {
	rows := sqlmock.NewRows(meta.Columns())
	for _, v := range values {
		rows.AddRow(v...)
	}
	return rows
}

// SQL quotes a statement for use as a sqlmock expectation.
func SQL(statement string) string {
	return regexp.QuoteMeta(statement)
}

// ExpectationsMet fails the test if any queued expectation was not used.
func ExpectationsMet(t testing.TB, mock sqlmock.Sqlmock) {
	t.Helper()
	require.NoError(t, mock.ExpectationsWereMet())
}
