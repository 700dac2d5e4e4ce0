package orm

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	managers   = make(map[reflect.Type]any)
	tables     = make(map[string]Table)
)

// Register builds the descriptor table of T and returns its Manager. It is
// meant to be called from a package-level var next to the type declaration:
//
//	var Articles = orm.Register[Article]()
//
// Every call for the same T returns the same Manager. Register panics when T
// is not a valid model or when another model already claims its table.
func Register[T any]() *Manager[T] {
	t := reflect.TypeOf((*T)(nil)).Elem()

	registryMu.RLock()
	existing, ok := managers[t]
	registryMu.RUnlock()
	if ok {
		return existing.(*Manager[T])
	}

	meta, err := buildMeta(t)
	if err != nil {
		panic(fmt.Sprintf("orm: register %s: %v", t, err))
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := managers[t]; ok {
		return existing.(*Manager[T])
	}
	if other, dup := tables[meta.Table]; dup {
		panic(fmt.Sprintf("orm: register %s: table %q already used by %s", t, meta.Table, other.Meta().Name))
	}

	mgr := &Manager[T]{meta: meta}
	managers[t] = mgr
	tables[meta.Table] = mgr
	return mgr
}

// Objects returns the Manager of T, registering T on first use.
func Objects[T any]() *Manager[T] {
	return Register[T]()
}

// Models returns the descriptor tables of all registered models sorted by
// table name.
func Models() []*Meta {
	ts := Tables()
	metas := make([]*Meta, len(ts))
	for i, t := range ts {
		metas[i] = t.Meta()
	}
	return metas
}

// Tables returns a type-erased view of every registered model sorted by
// table name.
func Tables() []Table {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]Table, 0, len(tables))
	for _, t := range tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta().Table < out[j].Meta().Table
	})
	return out
}

// LookupTable finds a registered model by table name or Go type name.
func LookupTable(name string) (Table, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if t, ok := tables[name]; ok {
		return t, true
	}
	for _, t := range tables {
		if t.Meta().Name == name {
			return t, true
		}
	}
	return nil, false
}
