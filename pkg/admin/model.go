// Package admin generates a JSON administration API for registered models.
package admin

import (
	"strings"

	"github.com/fastmango/fastmango/pkg/orm"
)

// DefaultPageSize is the list page size when a view does not set one.
const DefaultPageSize = 25

// MaxPageSize caps the limit a client may request.
const MaxPageSize = 500

// Excluder is implemented by models that opt out of automatic registration.
type Excluder interface {
	AdminExclude() bool
}

// View is the administration configuration of one model.
type View struct {
	Name        string   `json:"name"`
	Plural      string   `json:"name_plural"`
	Table       string   `json:"table"`
	Identity    string   `json:"identity"`
	Columns     []string `json:"column_list"`
	Searchable  []string `json:"column_searchable_list"`
	FormColumns []string `json:"form_columns"`
	ReadOnly    []string `json:"readonly_fields,omitempty"`
	PageSize    int      `json:"page_size"`

	table orm.Table
}

// ViewOption customises a view.
type ViewOption func(*View)

// WithColumns sets the columns shown in lists.
func WithColumns(cols ...string) ViewOption {
	return func(v *View) { v.Columns = cols }
}

// WithSearch sets the columns matched by the list search.
func WithSearch(cols ...string) ViewOption {
	return func(v *View) { v.Searchable = cols }
}

// WithFormColumns sets the columns accepted on create and update.
func WithFormColumns(cols ...string) ViewOption {
	return func(v *View) { v.FormColumns = cols }
}

// WithReadOnly marks columns that may be set on create but not changed.
func WithReadOnly(cols ...string) ViewOption {
	return func(v *View) { v.ReadOnly = cols }
}

// WithPlural overrides the plural display name.
func WithPlural(plural string) ViewOption {
	return func(v *View) { v.Plural = plural }
}

// WithPageSize sets the default list page size.
func WithPageSize(n int) ViewOption {
	return func(v *View) { v.PageSize = n }
}

// newView builds the default view of t: sensitive and foreign key columns
// are hidden, string columns are searchable.
func newView(t orm.Table, opts ...ViewOption) *View {
	meta := t.Meta()
	v := &View{
		Name:     meta.Name,
		Plural:   meta.Name + "s",
		Table:    meta.Table,
		Identity: meta.PK.Column,
		PageSize: DefaultPageSize,
		table:    t,
	}

	for _, f := range meta.Fields {
		col := strings.ToLower(f.Column)
		if strings.Contains(col, "password") || f.ForeignKey != "" {
			continue
		}
		v.Columns = append(v.Columns, f.Column)
		if f.Kind == orm.KindString ||
			strings.Contains(col, "email") || strings.Contains(col, "name") {
			v.Searchable = append(v.Searchable, f.Column)
		}
	}
	if len(v.Columns) == 0 {
		v.Columns = []string{meta.PK.Column}
	}
	v.FormColumns = append([]string(nil), v.Columns...)

	for _, opt := range opts {
		opt(v)
	}
	if v.PageSize <= 0 {
		v.PageSize = DefaultPageSize
	}
	return v
}

// Meta returns the descriptor of the view's model.
func (v *View) Meta() *orm.Meta { return v.table.Meta() }

// row projects obj onto the list columns, keyed by column name.
func (v *View) row(obj any) map[string]any {
	meta := v.table.Meta()
	out := make(map[string]any, len(v.Columns))
	for _, col := range v.Columns {
		if f, ok := meta.Field(col); ok {
			out[f.Column] = meta.Value(obj, f)
		}
	}
	return out
}

// editable reports whether a JSON key may be written. Keys match a field's
// JSON name, Go name or column.
func (v *View) editable(key string, creating bool) (bool, string) {
	f := v.fieldForKey(key)
	if f == nil {
		return false, "unknown field"
	}
	if f.PrimaryKey {
		return creating, "primary key cannot be changed"
	}
	if !contains(v.FormColumns, f.Column) {
		return false, "field is not editable"
	}
	if !creating && contains(v.ReadOnly, f.Column) {
		return false, "field is read-only"
	}
	return true, ""
}

func (v *View) fieldForKey(key string) *orm.Field {
	meta := v.table.Meta()
	for _, f := range meta.Fields {
		if f.JSONName == key {
			return f
		}
	}
	if f, ok := meta.Field(key); ok && f.JSONName != "" {
		return f
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
