package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fastmango/fastmango/internal/errors"
	"github.com/fastmango/fastmango/internal/metrics"
)

// Default is the process-wide registry used by Register.
var Default = NewRegistry()

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Add registers t. Panics if a tool with the same name already exists.
func (r *Registry) Add(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		panic(fmt.Sprintf("tools: tool %q already registered", t.Name))
	}
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, t := range list {
		names[i] = t.Name
	}
	return names
}

// Infos describes every registered tool, keyed by name.
func (r *Registry) Infos() map[string]Info {
	list := r.List()
	out := make(map[string]Info, len(list))
	for _, t := range list {
		out[t.Name] = t.Info()
	}
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clear removes all tools. Intended for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]*Tool)
}

// Invoke calls the named tool with JSON object arguments. Unknown tools
// yield a ToolNotFound error and malformed arguments an InvalidArguments
// error; errors returned by the tool itself pass through unchanged.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, ok := r.Get(name)
	if !ok {
		metrics.RecordToolExecution(name, "not_found", 0)
		return nil, errors.ToolNotFound(name)
	}

	start := time.Now()
	result, err := t.call(ctx, args)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordToolExecution(name, status, time.Since(start))
	return result, err
}

// decodeArgs validates raw against params, fills in defaults and decodes
// the result into dst.
func decodeArgs(params []Param, raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if !gjson.ValidBytes(raw) {
		return errors.InvalidArguments("arguments are not valid JSON", nil)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return errors.InvalidArguments("arguments must be a JSON object", nil)
	}

	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
	}

	merged := make(map[string]json.RawMessage, len(params))
	var unknown []string
	parsed.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if !known[k] {
			unknown = append(unknown, k)
			return true
		}
		merged[k] = json.RawMessage(value.Raw)
		return true
	})
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errors.InvalidArguments(fmt.Sprintf("unexpected parameter %q", unknown[0]), nil).
			WithDetails("unexpected", unknown)
	}

	for _, p := range params {
		if _, ok := merged[p.Name]; ok {
			continue
		}
		switch {
		case p.Default != nil:
			merged[p.Name] = p.Default
		case p.Required:
			return errors.InvalidArguments(fmt.Sprintf("missing required parameter %q", p.Name), nil).
				WithDetails("parameter", p.Name)
		}
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return errors.InvalidArguments("invalid arguments", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.InvalidArguments(fmt.Sprintf("invalid arguments: %v", err), err)
	}
	return nil
}
