package orm

import (
	"strings"

	"github.com/jmoiron/sqlx"
)

// Dialect covers the small differences between backends that statement
// rendering cares about.
type Dialect struct {
	Driver string
	bind   int
}

// NewDialect returns the dialect of a database/sql driver name.
func NewDialect(driver string) Dialect {
	return Dialect{Driver: driver, bind: sqlx.BindType(driver)}
}

// Postgres reports whether the backend speaks the postgres dialect.
func (d Dialect) Postgres() bool {
	return d.bind == sqlx.DOLLAR
}

// Returning reports whether INSERT/UPDATE ... RETURNING is available.
func (d Dialect) Returning() bool {
	return d.bind == sqlx.DOLLAR
}

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	if d.Driver == "mysql" {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Rebind converts ? placeholders to the backend's bindvar style.
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(d.bind, query)
}

func (d Dialect) quoteAll(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = d.Quote(id)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
