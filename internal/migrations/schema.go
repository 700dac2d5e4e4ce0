// Package migrations creates and evolves the database schema of registered
// models: DDL generation from model descriptors, versioned SQL migrations,
// tracked data migrations and schema documentation.
package migrations

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/fastmango/fastmango/pkg/orm"
)

// CreateTableStatements renders CREATE TABLE and CREATE INDEX statements
// for meta. Statements are idempotent.
func CreateTableStatements(meta *orm.Meta, d orm.Dialect) []string {
	defs := make([]string, 0, len(meta.Fields))
	for _, f := range meta.Fields {
		defs = append(defs, columnDef(f, d))
	}
	for _, f := range meta.ForeignKeys() {
		table, col, _ := strings.Cut(f.ForeignKey, ".")
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			d.Quote(f.Column), d.Quote(table), d.Quote(col)))
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		d.Quote(meta.Table), strings.Join(defs, ",\n    "))}

	for _, f := range meta.Fields {
		if !f.Index || f.Unique || f.PrimaryKey {
			continue
		}
		name := "ix_" + meta.Table + "_" + f.Column
		if d.Driver == "mysql" {
			// mysql has no IF NOT EXISTS for indexes
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
				d.Quote(name), d.Quote(meta.Table), d.Quote(f.Column)))
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			d.Quote(name), d.Quote(meta.Table), d.Quote(f.Column)))
	}
	return stmts
}

// Apply creates the tables of metas in one transaction. Referenced tables
// are created before the tables referencing them.
func Apply(ctx context.Context, db *orm.DB, metas []*orm.Meta) error {
	ordered, err := dependencyOrder(metas)
	if err != nil {
		return err
	}

	tx, err := db.X().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, meta := range ordered {
		if err := execAll(ctx, tx, CreateTableStatements(meta, db.Dialect())); err != nil {
			return fmt.Errorf("create table %s: %w", meta.Table, err)
		}
	}
	return tx.Commit()
}

func execAll(ctx context.Context, tx *sqlx.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// dependencyOrder sorts metas so that foreign key targets come first.
// References to tables outside metas are ignored.
func dependencyOrder(metas []*orm.Meta) ([]*orm.Meta, error) {
	byTable := make(map[string]*orm.Meta, len(metas))
	for _, m := range metas {
		byTable[m.Table] = m
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(metas))
	out := make([]*orm.Meta, 0, len(metas))

	var visit func(m *orm.Meta) error
	visit = func(m *orm.Meta) error {
		switch state[m.Table] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("foreign key cycle through table %s", m.Table)
		}
		state[m.Table] = visiting
		for _, f := range m.ForeignKeys() {
			table, _, _ := strings.Cut(f.ForeignKey, ".")
			if dep, ok := byTable[table]; ok && dep != m {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		state[m.Table] = done
		out = append(out, m)
		return nil
	}

	for _, m := range metas {
		if err := visit(m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func columnDef(f *orm.Field, d orm.Dialect) string {
	var b strings.Builder
	b.WriteString(d.Quote(f.Column))
	b.WriteByte(' ')

	if f.PrimaryKey && f.AutoIncrement {
		switch {
		case d.Postgres():
			b.WriteString("BIGSERIAL PRIMARY KEY")
		case d.Driver == "mysql":
			b.WriteString("BIGINT AUTO_INCREMENT PRIMARY KEY")
		default:
			b.WriteString("INTEGER PRIMARY KEY AUTOINCREMENT")
		}
		return b.String()
	}

	b.WriteString(columnType(f, d))
	if f.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
		return b.String()
	}
	if !f.Nullable {
		b.WriteString(" NOT NULL")
	}
	if f.Unique {
		b.WriteString(" UNIQUE")
	}
	if f.HasDefault {
		b.WriteString(" DEFAULT ")
		b.WriteString(defaultLiteral(f))
	}
	return b.String()
}

func columnType(f *orm.Field, d orm.Dialect) string {
	mysql := d.Driver == "mysql"
	switch f.Kind {
	case orm.KindInt:
		if d.Postgres() || mysql {
			return "BIGINT"
		}
		return "INTEGER"
	case orm.KindFloat:
		if d.Postgres() {
			return "DOUBLE PRECISION"
		}
		if mysql {
			return "DOUBLE"
		}
		return "REAL"
	case orm.KindBool:
		return "BOOLEAN"
	case orm.KindString:
		if f.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.Size)
		}
		if mysql && (f.Unique || f.Index || f.PrimaryKey) {
			return "VARCHAR(255)"
		}
		return "TEXT"
	case orm.KindTime:
		if d.Postgres() {
			return "TIMESTAMP WITH TIME ZONE"
		}
		return "DATETIME"
	case orm.KindBytes:
		if d.Postgres() {
			return "BYTEA"
		}
		return "BLOB"
	}
	if d.Postgres() {
		return "JSONB"
	}
	return "TEXT"
}

func defaultLiteral(f *orm.Field) string {
	switch f.Kind {
	case orm.KindBool:
		if ok, _ := strconv.ParseBool(f.Default); ok {
			return "TRUE"
		}
		return "FALSE"
	case orm.KindInt, orm.KindFloat:
		return f.Default
	}
	return "'" + strings.ReplaceAll(f.Default, "'", "''") + "'"
}
