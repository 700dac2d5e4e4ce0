package orm

import (
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Fields names field values by Go field name or column name.
type Fields map[string]any

// Kind is the storage category of a field.
type Kind string

const (
	KindInt    Kind = "integer"
	KindFloat  Kind = "float"
	KindBool   Kind = "boolean"
	KindString Kind = "string"
	KindTime   Kind = "datetime"
	KindBytes  Kind = "bytes"
	KindOther  Kind = "other"
)

// Field describes one persisted struct field.
type Field struct {
	Name          string
	Column        string
	JSONName      string
	GoType        reflect.Type
	Kind          Kind
	PrimaryKey    bool
	AutoIncrement bool
	Nullable      bool
	Unique        bool
	Index         bool
	ForeignKey    string // "table.column"
	Size          int
	Default       string
	HasDefault    bool

	index []int
}

// Meta is the field-descriptor table of a registered model.
type Meta struct {
	Name   string
	Table  string
	Type   reflect.Type
	Fields []*Field
	PK     *Field

	lookup map[string]*Field
}

// Field looks a field up by Go name or column name.
func (m *Meta) Field(name string) (*Field, bool) {
	f, ok := m.lookup[name]
	return f, ok
}

// Columns returns the column names in declaration order.
func (m *Meta) Columns() []string {
	cols := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = f.Column
	}
	return cols
}

// ForeignKeys returns the fields referencing other tables.
func (m *Meta) ForeignKeys() []*Field {
	var out []*Field
	for _, f := range m.Fields {
		if f.ForeignKey != "" {
			out = append(out, f)
		}
	}
	return out
}

// Tabler lets a model choose its table name.
type Tabler interface {
	TableName() string
}

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))

	nullKinds = map[reflect.Type]Kind{
		reflect.TypeOf(sql.NullString{}):  KindString,
		reflect.TypeOf(sql.NullInt64{}):   KindInt,
		reflect.TypeOf(sql.NullInt32{}):   KindInt,
		reflect.TypeOf(sql.NullInt16{}):   KindInt,
		reflect.TypeOf(sql.NullFloat64{}): KindFloat,
		reflect.TypeOf(sql.NullBool{}):    KindBool,
		reflect.TypeOf(sql.NullTime{}):    KindTime,
	}
)

func buildMeta(t reflect.Type) (*Meta, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model must be a struct, got %s", t.Kind())
	}
	if t.Name() == "" {
		return nil, fmt.Errorf("model must be a named type")
	}

	m := &Meta{
		Name:   t.Name(),
		Table:  snakeCase(t.Name()),
		Type:   t,
		lookup: make(map[string]*Field),
	}
	if tn, ok := reflect.New(t).Interface().(Tabler); ok && tn.TableName() != "" {
		m.Table = tn.TableName()
	}

	if err := m.collect(t, nil); err != nil {
		return nil, err
	}
	if len(m.Fields) == 0 {
		return nil, fmt.Errorf("model %s has no persisted fields", m.Name)
	}

	for _, f := range m.Fields {
		if f.PrimaryKey {
			if m.PK != nil {
				return nil, fmt.Errorf("model %s declares more than one primary key", m.Name)
			}
			m.PK = f
		}
	}
	if m.PK == nil {
		if f, ok := m.lookup["ID"]; ok {
			f.PrimaryKey = true
			m.PK = f
		}
	}
	if m.PK == nil {
		return nil, fmt.Errorf("model %s has no primary key", m.Name)
	}
	switch m.PK.Kind {
	case KindInt:
		// a zero or nil key is left to the database
		m.PK.AutoIncrement = true
	case KindString:
	default:
		return nil, fmt.Errorf("model %s: primary key must be an integer or string", m.Name)
	}
	m.PK.Nullable = false
	m.PK.Unique = false
	return m, nil
}

func (m *Meta) collect(t reflect.Type, parent []int) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		index := append(append([]int(nil), parent...), i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Tag.Get("db") == "" {
			if err := m.collect(sf.Type, index); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		col := sf.Tag.Get("db")
		if col == "-" {
			continue
		}
		if col == "" {
			col = snakeCase(sf.Name)
		}

		f := &Field{
			Name:     sf.Name,
			Column:   col,
			JSONName: jsonName(sf),
			GoType:   sf.Type,
			index:    index,
		}
		f.Kind, f.Nullable = kindOf(sf.Type)
		if err := parseTag(f, sf.Tag.Get("orm")); err != nil {
			return fmt.Errorf("model %s field %s: %w", m.Name, sf.Name, err)
		}
		if _, dup := m.lookup[col]; dup {
			return fmt.Errorf("model %s: duplicate column %q", m.Name, col)
		}
		m.Fields = append(m.Fields, f)
		m.lookup[f.Name] = f
		m.lookup[f.Column] = f
	}
	return nil
}

// jsonName is the key encoding/json uses for sf, or "" when it is skipped.
func jsonName(sf reflect.StructField) string {
	name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return sf.Name
	}
	return name
}

func kindOf(t reflect.Type) (Kind, bool) {
	if k, ok := nullKinds[t]; ok {
		return k, true
	}
	nullable := false
	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}
	if t == timeType {
		return KindTime, nullable
	}
	if t == bytesType {
		return KindBytes, true
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindInt, nullable
	case reflect.Float32, reflect.Float64:
		return KindFloat, nullable
	case reflect.Bool:
		return KindBool, nullable
	case reflect.String:
		return KindString, nullable
	}
	return KindOther, nullable
}

func parseTag(f *Field, tag string) error {
	if tag == "" {
		return nil
	}
	for _, opt := range strings.Split(tag, ",") {
		opt = strings.TrimSpace(opt)
		key, val, hasVal := strings.Cut(opt, "=")
		switch key {
		case "":
		case "pk":
			f.PrimaryKey = true
		case "unique":
			f.Unique = true
		case "index":
			f.Index = true
		case "nullable":
			f.Nullable = true
		case "fk":
			if !hasVal || !strings.Contains(val, ".") {
				return fmt.Errorf("fk option needs table.column, got %q", val)
			}
			f.ForeignKey = val
		case "size":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid size %q", val)
			}
			f.Size = n
		case "default":
			if _, err := parseValue(f.GoType, val); err != nil {
				return fmt.Errorf("invalid default %q: %w", val, err)
			}
			f.Default = val
			f.HasDefault = true
		default:
			return fmt.Errorf("unknown orm tag option %q", key)
		}
	}
	return nil
}

// snakeCase maps Go identifiers to column names: "UserID" -> "user_id".
func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// Value access
// =============================================================================

// Value returns the value of f in obj, a model value or a pointer to one.
func (m *Meta) Value(obj any, f *Field) any {
	return m.value(reflect.Indirect(reflect.ValueOf(obj)), f).Interface()
}

func (m *Meta) value(v reflect.Value, f *Field) reflect.Value {
	return v.FieldByIndex(f.index)
}

func (m *Meta) pkValue(v reflect.Value) any {
	return m.value(v, m.PK).Interface()
}

func (m *Meta) transient(v reflect.Value) bool {
	return m.value(v, m.PK).IsZero()
}

// assign converts val to the field type and stores it.
func (m *Meta) assign(v reflect.Value, f *Field, val any) error {
	dst := m.value(v, f)
	if val == nil {
		dst.Set(reflect.Zero(f.GoType))
		return nil
	}
	converted, err := convertValue(f.GoType, val)
	if err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrInvalidValue, m.Name, f.Name, err)
	}
	dst.Set(converted)
	return nil
}

func (m *Meta) applyDefaults(v reflect.Value) {
	for _, f := range m.Fields {
		if !f.HasDefault {
			continue
		}
		val, _ := parseValue(f.GoType, f.Default)
		m.value(v, f).Set(reflect.ValueOf(val))
	}
}

// fieldsFor resolves the keys of fields; unknown names fail with
// *InvalidFieldError. Keys are visited in sorted order.
func (m *Meta) fieldsFor(fields Fields) ([]*Field, []any, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fs := make([]*Field, 0, len(keys))
	vals := make([]any, 0, len(keys))
	for _, k := range keys {
		f, ok := m.Field(k)
		if !ok {
			return nil, nil, &InvalidFieldError{Model: m.Name, Field: k}
		}
		fs = append(fs, f)
		vals = append(vals, fields[k])
	}
	return fs, vals, nil
}

func convertValue(t reflect.Type, val any) (reflect.Value, error) {
	rv := reflect.ValueOf(val)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if s, ok := val.(string); ok && t.Kind() != reflect.String {
		parsed, err := parseValue(t, s)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(parsed), nil
	}
	if t.Kind() == reflect.Ptr {
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return reflect.Zero(t), nil
			}
			rv = rv.Elem()
		}
		inner, err := convertValue(t.Elem(), rv.Interface())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(inner)
		return p, nil
	}
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return reflect.Zero(t), nil
		}
		return convertValue(t, rv.Elem().Interface())
	}
	if isNumber(rv.Kind()) && isNumber(t.Kind()) {
		if isInteger(t.Kind()) && (rv.Kind() == reflect.Float32 || rv.Kind() == reflect.Float64) {
			f := rv.Float()
			if f != float64(int64(f)) {
				return reflect.Value{}, fmt.Errorf("%v is not an integer", f)
			}
		}
		return rv.Convert(t), nil
	}
	if rv.Kind() == t.Kind() && rv.Type().ConvertibleTo(t) {
		return rv.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", val, t)
}

// parseValue parses the text form of a value of type t.
func parseValue(t reflect.Type, s string) (any, error) {
	ptr := t.Kind() == reflect.Ptr
	base := t
	if ptr {
		base = t.Elem()
	}

	var out reflect.Value
	switch {
	case base == timeType:
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, err
		}
		out = reflect.ValueOf(ts)
	default:
		switch base.Kind() {
		case reflect.String:
			out = reflect.ValueOf(s).Convert(base)
		case reflect.Bool:
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, err
			}
			out = reflect.ValueOf(b).Convert(base)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(s, 10, base.Bits())
			if err != nil {
				return nil, err
			}
			out = reflect.ValueOf(n).Convert(base)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n, err := strconv.ParseUint(s, 10, base.Bits())
			if err != nil {
				return nil, err
			}
			out = reflect.ValueOf(n).Convert(base)
		case reflect.Float32, reflect.Float64:
			n, err := strconv.ParseFloat(s, base.Bits())
			if err != nil {
				return nil, err
			}
			out = reflect.ValueOf(n).Convert(base)
		default:
			return nil, fmt.Errorf("cannot parse %s from text", t)
		}
	}
	if ptr {
		p := reflect.New(base)
		p.Elem().Set(out)
		return p.Interface(), nil
	}
	return out.Interface(), nil
}

func isInteger(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isNumber(k reflect.Kind) bool {
	return isInteger(k) || k == reflect.Float32 || k == reflect.Float64
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
