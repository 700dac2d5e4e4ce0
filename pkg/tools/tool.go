// Package tools is a registry of typed functions exposed to clients by name:
// over plain HTTP, over the Model Context Protocol and on cron schedules.
//
// A tool is a function taking a context and a struct of arguments:
//
//	type AddArgs struct {
//		A int `json:"a" desc:"first operand"`
//		B int `json:"b" default:"1"`
//	}
//
//	var _ = tools.Register("add", func(ctx context.Context, in AddArgs) (int, error) {
//		return in.A + in.B, nil
//	}, tools.WithDescription("Add two numbers"))
//
// The parameter schema is inferred from the argument struct: JSON names,
// JSON types, defaults from `default` tags and descriptions from `desc`
// tags. Parameters without a default are required.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/robfig/cron/v3"
)

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        string
	Description string
	Default     json.RawMessage
	Required    bool
}

// Tool is a registered function and its metadata.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	ReturnType  string
	Schedule    string

	call func(ctx context.Context, args json.RawMessage) (any, error)
}

// Option configures a tool at registration.
type Option func(*toolOptions)

type toolOptions struct {
	description string
	schedule    string
	registry    *Registry
}

// WithDescription sets the tool description.
func WithDescription(d string) Option {
	return func(o *toolOptions) { o.description = d }
}

// WithSchedule runs the tool on a standard five-field cron schedule (or a
// descriptor such as "@every 5m") once a Scheduler is started. A scheduled
// tool must be callable without arguments.
func WithSchedule(spec string) Option {
	return func(o *toolOptions) { o.schedule = spec }
}

// WithRegistry registers the tool in r instead of Default.
func WithRegistry(r *Registry) Option {
	return func(o *toolOptions) { o.registry = r }
}

// Register builds a tool from fn and adds it to the Default registry (or the
// one given by WithRegistry). An empty name is derived from the function
// name. Register panics on an invalid tool or a duplicate name.
func Register[In, Out any](name string, fn func(context.Context, In) (Out, error), opts ...Option) *Tool {
	var o toolOptions
	for _, opt := range opts {
		opt(&o)
	}
	t, err := NewTool(name, fn, opts...)
	if err != nil {
		panic(fmt.Sprintf("tools: register %q: %v", name, err))
	}
	r := o.registry
	if r == nil {
		r = Default
	}
	r.Add(t)
	return t
}

// NewTool builds a tool without registering it.
func NewTool[In, Out any](name string, fn func(context.Context, In) (Out, error), opts ...Option) (*Tool, error) {
	if fn == nil {
		return nil, fmt.Errorf("nil function")
	}
	var o toolOptions
	for _, opt := range opts {
		opt(&o)
	}

	if name == "" {
		name = funcName(fn)
		if name == "" {
			return nil, fmt.Errorf("cannot derive a name from an anonymous function")
		}
	}

	params, err := paramsOf(reflect.TypeOf((*In)(nil)).Elem())
	if err != nil {
		return nil, err
	}

	if o.schedule != "" {
		if _, err := cron.ParseStandard(o.schedule); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", o.schedule, err)
		}
		for _, p := range params {
			if p.Required {
				return nil, fmt.Errorf("scheduled tool has required parameter %q", p.Name)
			}
		}
	}

	desc := o.description
	if desc == "" {
		desc = "Tool: " + name
	}

	return &Tool{
		Name:        name,
		Description: desc,
		Params:      params,
		ReturnType:  jsonType(reflect.TypeOf((*Out)(nil)).Elem()),
		Schedule:    o.schedule,
		call: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in In
			if err := decodeArgs(params, args, &in); err != nil {
				return nil, err
			}
			return fn(ctx, in)
		},
	}, nil
}

// Info is the JSON description of a tool served by the dashboard API.
type Info struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  map[string]ParamInfo `json:"parameters"`
	ReturnType  string               `json:"return_type"`
	Schedule    string               `json:"schedule,omitempty"`
}

// ParamInfo is the JSON description of a parameter.
type ParamInfo struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Default     json.RawMessage `json:"default,omitempty"`
}

// Info describes the tool.
func (t *Tool) Info() Info {
	params := make(map[string]ParamInfo, len(t.Params))
	for _, p := range t.Params {
		params[p.Name] = ParamInfo{Type: p.Type, Description: p.Description, Default: p.Default}
	}
	return Info{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
		ReturnType:  t.ReturnType,
		Schedule:    t.Schedule,
	}
}

// InputSchema returns the JSON Schema of the tool arguments.
func (t *Tool) InputSchema() json.RawMessage {
	props := make(map[string]any, len(t.Params))
	required := make([]string, 0, len(t.Params))
	for _, p := range t.Params {
		prop := map[string]any{"description": p.Description}
		if p.Type != "any" {
			prop["type"] = p.Type
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
	data, _ := json.Marshal(schema)
	return data
}

// =============================================================================
// Schema inference
// =============================================================================

var timeType = reflect.TypeOf(time.Time{})

func paramsOf(t reflect.Type) ([]Param, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("arguments must be a struct, got %s", t)
	}

	var params []Param
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}

		p := Param{
			Name:        name,
			Type:        jsonType(f.Type),
			Description: f.Tag.Get("desc"),
		}
		if p.Description == "" {
			p.Description = "Parameter: " + name
		}

		if def, ok := f.Tag.Lookup("default"); ok {
			raw, err := defaultValue(p.Type, def)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", name, err)
			}
			if err := json.Unmarshal(raw, reflect.New(f.Type).Interface()); err != nil {
				return nil, fmt.Errorf("parameter %s: default %s does not fit %s", name, def, f.Type)
			}
			p.Default = raw
		} else {
			p.Required = f.Type.Kind() != reflect.Ptr
		}
		params = append(params, p)
	}
	return params, nil
}

func defaultValue(typ, text string) (json.RawMessage, error) {
	if typ == "string" && !strings.HasPrefix(text, `"`) {
		return json.Marshal(text)
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("default %q is not valid JSON", text)
	}
	return json.RawMessage(text), nil
}

func jsonType(t reflect.Type) string {
	if t == timeType {
		return "string"
	}
	switch t.Kind() {
	case reflect.Ptr:
		return jsonType(t.Elem())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.String:
		return "string"
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "string"
		}
		return "array"
	case reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	}
	return "any"
}

// closureName matches the compiler's names for function literals:
// "pkg.Outer.func1", "pkg.Outer.func1.2", "pkg.glob..func3".
var closureName = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

// funcName derives a snake_case tool name from a named function.
func funcName(fn any) string {
	rf := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if rf == nil {
		return ""
	}
	full := strings.TrimSuffix(rf.Name(), "-fm")
	if closureName.MatchString(full) {
		return ""
	}
	name := full[strings.LastIndex(full, ".")+1:]
	if name == "" {
		return ""
	}

	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
