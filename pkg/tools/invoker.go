package tools

import (
	"context"
	"encoding/json"

	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/pkg/orm"
)

// Invoker runs tools inside a database session so tool bodies can use
// model managers directly.
type Invoker struct {
	registry *Registry
	db       *orm.DB
	logger   *logging.Logger
}

// NewInvoker returns an invoker over r. A nil db runs tools without a
// session; a nil r uses Default.
func NewInvoker(r *Registry, db *orm.DB, logger *logging.Logger) *Invoker {
	if r == nil {
		r = Default
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Invoker{registry: r, db: db, logger: logger}
}

// Registry returns the underlying registry.
func (iv *Invoker) Registry() *Registry { return iv.registry }

// Invoke calls the named tool. A session is opened for the call unless ctx
// already carries one.
func (iv *Invoker) Invoke(ctx context.Context, name string, args json.RawMessage) (result any, err error) {
	defer func() {
		if err != nil {
			iv.logger.WithContext(ctx).WithError(err).WithField("tool", name).Warn("tool call failed")
		}
	}()

	if iv.db == nil {
		return iv.registry.Invoke(ctx, name, args)
	}
	if _, ok := orm.Get(ctx); ok {
		return iv.registry.Invoke(ctx, name, args)
	}

	err = iv.db.Scope(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = iv.registry.Invoke(ctx, name, args)
		return callErr
	})
	return result, err
}
