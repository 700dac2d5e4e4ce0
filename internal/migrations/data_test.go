package migrations

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/pkg/orm"
	"github.com/fastmango/fastmango/pkg/testutil"
)

var appliedCols = []string{"id", "name", "applied_at"}

const (
	appliedTable  = `CREATE TABLE IF NOT EXISTS "fastmango_data_migrations"`
	appliedSelect = `SELECT "id", "name", "applied_at" FROM "fastmango_data_migrations"`
)

func expectTable(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(appliedTable)).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestDataRunner_Register(t *testing.T) {
	r := NewDataRunner(nil, nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, r.Register(DataMigration{Name: "seed", Up: noop}))
	assert.Error(t, r.Register(DataMigration{Name: "seed", Up: noop}), "duplicate")
	assert.Error(t, r.Register(DataMigration{Up: noop}), "no name")
	assert.Error(t, r.Register(DataMigration{Name: "empty"}), "no Up")
}

func TestDataRunner_RunPending(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "postgres")
	r := NewDataRunner(db, logging.NewNop())

	var calls []string
	require.NoError(t, r.Register(DataMigration{Name: "done", Up: func(context.Context) error {
		calls = append(calls, "done")
		return nil
	}}))
	require.NoError(t, r.Register(DataMigration{Name: "seed", Up: func(ctx context.Context) error {
		_, ok := orm.Get(ctx)
		assert.True(t, ok, "migrations run with a session")
		calls = append(calls, "seed")
		return nil
	}}))

	getByName := regexp.QuoteMeta(appliedSelect + ` WHERE "name" = $1 ORDER BY "id" ASC LIMIT 1`)
	expectTable(mock)
	mock.ExpectQuery(getByName).WithArgs("done").
		WillReturnRows(sqlmock.NewRows(appliedCols).AddRow(1, "done", time.Now()))
	mock.ExpectQuery(getByName).WithArgs("seed").
		WillReturnRows(sqlmock.NewRows(appliedCols))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "fastmango_data_migrations" ("name", "applied_at") VALUES ($1, $2)`)).
		WithArgs("seed", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(appliedCols).AddRow(2, "seed", time.Now()))
	mock.ExpectCommit()

	ran, err := r.RunPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"seed"}, ran)
	assert.Equal(t, []string{"seed"}, calls, "applied migrations are skipped")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDataRunner_RollbackLast(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "postgres")
	r := NewDataRunner(db, logging.NewNop())

	var reverted bool
	noop := func(context.Context) error { return nil }
	require.NoError(t, r.Register(DataMigration{Name: "first", Up: noop}))
	require.NoError(t, r.Register(DataMigration{Name: "second", Up: noop, Down: func(context.Context) error {
		reverted = true
		return nil
	}}))

	expectTable(mock)
	mock.ExpectQuery(regexp.QuoteMeta(appliedSelect + ` ORDER BY "id" ASC`)).
		WillReturnRows(sqlmock.NewRows(appliedCols).
			AddRow(1, "first", time.Now()).
			AddRow(2, "second", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "fastmango_data_migrations" WHERE "id" = $1`)).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := r.RollbackLast(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", name)
	assert.True(t, reverted)

	// "first" has no Down.
	expectTable(mock)
	mock.ExpectQuery(regexp.QuoteMeta(appliedSelect + ` ORDER BY "id" ASC`)).
		WillReturnRows(sqlmock.NewRows(appliedCols).AddRow(1, "first", time.Now()))

	_, err = r.RollbackLast(context.Background())
	assert.ErrorIs(t, err, ErrIrreversible)

	expectTable(mock)
	mock.ExpectQuery(regexp.QuoteMeta(appliedSelect + ` ORDER BY "id" ASC`)).
		WillReturnRows(sqlmock.NewRows(appliedCols))

	name, err = r.RollbackLast(context.Background())
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDataRunner_Status(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "postgres")
	r := NewDataRunner(db, logging.NewNop())
	noop := func(context.Context) error { return nil }
	require.NoError(t, r.Register(DataMigration{Name: "first", Description: "seed rows", Up: noop}))
	require.NoError(t, r.Register(DataMigration{Name: "second", Up: noop}))

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	expectTable(mock)
	mock.ExpectQuery(regexp.QuoteMeta(appliedSelect + ` ORDER BY "id" ASC`)).
		WillReturnRows(sqlmock.NewRows(appliedCols).AddRow(1, "first", at))

	status, err := r.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, MigrationStatus{Name: "first", Description: "seed rows", Applied: true, AppliedAt: &at}, status[0])
	assert.Equal(t, MigrationStatus{Name: "second"}, status[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppliedMigrationsHiddenFromAdmin(t *testing.T) {
	assert.True(t, appliedMigration{}.AdminExclude())
	assert.Equal(t, "fastmango_data_migrations", appliedMigrations.Meta().Table)
}
