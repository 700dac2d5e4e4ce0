package migrations

import (
	"fmt"
	"strings"

	"github.com/fastmango/fastmango/pkg/orm"
)

// SchemaDoc renders markdown documentation of metas: one section per model
// with its fields, constraints, indexes and relationships.
func SchemaDoc(metas []*orm.Meta) string {
	var b strings.Builder
	b.WriteString("# Database schema\n")

	referencedBy := make(map[string][]string)
	for _, m := range metas {
		for _, f := range m.ForeignKeys() {
			table, _, _ := strings.Cut(f.ForeignKey, ".")
			referencedBy[table] = append(referencedBy[table], m.Table+"."+f.Column)
		}
	}

	for _, m := range metas {
		fmt.Fprintf(&b, "\n## %s\n\nTable: `%s`\n\n", m.Name, m.Table)
		b.WriteString("| Field | Column | Type | Nullable | Constraints | Default |\n")
		b.WriteString("|-------|--------|------|----------|-------------|---------|\n")
		for _, f := range m.Fields {
			def := ""
			if f.HasDefault {
				def = "`" + f.Default + "`"
			}
			fmt.Fprintf(&b, "| %s | `%s` | %s | %s | %s | %s |\n",
				f.Name, f.Column, fieldType(f), yesNo(f.Nullable), constraints(f), def)
		}

		var indexes []string
		for _, f := range m.Fields {
			if f.Index && !f.Unique && !f.PrimaryKey {
				indexes = append(indexes, fmt.Sprintf("- `ix_%s_%s` on `%s`", m.Table, f.Column, f.Column))
			}
		}
		if len(indexes) > 0 {
			b.WriteString("\nIndexes:\n\n")
			b.WriteString(strings.Join(indexes, "\n"))
			b.WriteByte('\n')
		}

		var rels []string
		for _, f := range m.ForeignKeys() {
			rels = append(rels, fmt.Sprintf("- `%s` references `%s`", f.Column, f.ForeignKey))
		}
		for _, ref := range referencedBy[m.Table] {
			rels = append(rels, fmt.Sprintf("- referenced by `%s`", ref))
		}
		if len(rels) > 0 {
			b.WriteString("\nRelationships:\n\n")
			b.WriteString(strings.Join(rels, "\n"))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func fieldType(f *orm.Field) string {
	if f.Kind == orm.KindString && f.Size > 0 {
		return fmt.Sprintf("string(%d)", f.Size)
	}
	return string(f.Kind)
}

func constraints(f *orm.Field) string {
	var cs []string
	if f.PrimaryKey {
		cs = append(cs, "primary key")
	}
	if f.AutoIncrement {
		cs = append(cs, "auto increment")
	}
	if f.Unique {
		cs = append(cs, "unique")
	}
	if f.Index && !f.Unique && !f.PrimaryKey {
		cs = append(cs, "indexed")
	}
	if f.ForeignKey != "" {
		cs = append(cs, "fk "+f.ForeignKey)
	}
	return strings.Join(cs, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
