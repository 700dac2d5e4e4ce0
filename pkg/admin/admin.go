package admin

import (
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/fastmango/fastmango/internal/config"
	"github.com/fastmango/fastmango/internal/errors"
	"github.com/fastmango/fastmango/internal/httputil"
	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/pkg/orm"
)

// Admin holds the registered views and serves their API.
type Admin struct {
	cfg    config.AdminConfig
	logger *logging.Logger

	mu    sync.RWMutex
	views map[string]*View // by table
}

// New builds an admin and registers every model known to orm, except those
// implementing Excluder with AdminExclude returning true.
func New(cfg config.AdminConfig, logger *logging.Logger) *Admin {
	if cfg.Path == "" {
		cfg.Path = "/admin"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	a := &Admin{cfg: cfg, logger: logger, views: make(map[string]*View)}
	a.AutoRegister()
	return a
}

// AutoRegister registers every eligible orm model that is not registered
// yet.
func (a *Admin) AutoRegister() {
	for _, t := range orm.Tables() {
		if excluded(t.Meta()) {
			continue
		}
		a.Register(t)
	}
}

func excluded(meta *orm.Meta) bool {
	ex, ok := reflect.New(meta.Type).Interface().(Excluder)
	return ok && ex.AdminExclude()
}

// Register adds the default view of t customised by opts. Registering a
// model twice returns the existing view unchanged.
func (a *Admin) Register(t orm.Table, opts ...ViewOption) *View {
	a.mu.Lock()
	defer a.mu.Unlock()

	table := t.Meta().Table
	if v, ok := a.views[table]; ok {
		return v
	}
	v := newView(t, opts...)
	a.views[table] = v
	a.logger.WithField("model", v.Name).Debug("admin view registered")
	return v
}

// RegisterCustom registers t with opts, replacing any existing view.
func (a *Admin) RegisterCustom(t orm.Table, opts ...ViewOption) *View {
	a.mu.Lock()
	defer a.mu.Unlock()

	v := newView(t, opts...)
	a.views[t.Meta().Table] = v
	return v
}

// RegisteredModels returns the names of registered models, sorted.
func (a *Admin) RegisteredModels() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.views))
	for _, v := range a.views {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a model is registered, by model or table
// name.
func (a *Admin) IsRegistered(name string) bool {
	_, ok := a.View(name)
	return ok
}

// View returns a registered view by table or model name.
func (a *Admin) View(name string) (*View, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if v, ok := a.views[name]; ok {
		return v, true
	}
	for _, v := range a.views {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// Views returns all views sorted by table.
func (a *Admin) Views() []*View {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*View, 0, len(a.views))
	for _, v := range a.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// Path returns the URL prefix of the admin API.
func (a *Admin) Path() string { return a.cfg.Path }

// Routes mounts the admin API. Handlers need a session in the request
// context.
func (a *Admin) Routes(r *mux.Router) {
	sub := r.PathPrefix(a.cfg.Path).Subrouter()
	sub.HandleFunc("", a.handleIndex).Methods(http.MethodGet)
	sub.HandleFunc("/", a.handleIndex).Methods(http.MethodGet)
	sub.HandleFunc("/{model}", a.handleList).Methods(http.MethodGet)
	sub.HandleFunc("/{model}", a.handleCreate).Methods(http.MethodPost)
	sub.HandleFunc("/{model}/{pk}", a.handleDetail).Methods(http.MethodGet)
	sub.HandleFunc("/{model}/{pk}", a.handleUpdate).Methods(http.MethodPatch, http.MethodPut)
	sub.HandleFunc("/{model}/{pk}", a.handleDelete).Methods(http.MethodDelete)
}

func (a *Admin) handleIndex(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"title":  a.cfg.Title,
		"models": a.Views(),
	})
}

func (a *Admin) view(w http.ResponseWriter, r *http.Request) (*View, bool) {
	name := mux.Vars(r)["model"]
	v, ok := a.View(name)
	if !ok {
		httputil.WriteServiceError(w, r, errors.NotFound("model "+name))
	}
	return v, ok
}

func (a *Admin) handleList(w http.ResponseWriter, r *http.Request) {
	v, ok := a.view(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), v.PageSize)
	if err != nil {
		httputil.WriteServiceError(w, r, errors.BadRequest("limit must be a number"))
		return
	}
	switch {
	case limit == 0:
		limit = v.PageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		httputil.WriteServiceError(w, r, errors.BadRequest("offset must be a number"))
		return
	}

	rows, total, err := v.table.List(r.Context(), orm.Query{
		Search:        q.Get("q"),
		SearchColumns: v.Searchable,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	items := make([]map[string]any, len(rows))
	for i, row := range rows {
		items[i] = v.row(row)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"model":   v.Name,
		"columns": v.Columns,
		"items":   items,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (a *Admin) handleDetail(w http.ResponseWriter, r *http.Request) {
	v, ok := a.view(w, r)
	if !ok {
		return
	}
	obj, err := v.table.Lookup(r.Context(), mux.Vars(r)["pk"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, obj)
}

func (a *Admin) handleCreate(w http.ResponseWriter, r *http.Request) {
	v, ok := a.view(w, r)
	if !ok {
		return
	}
	body, err := a.readForm(r, v, true)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	obj, err := v.table.CreateJSON(r.Context(), body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.WithContext(r.Context()).WithField("model", v.Name).Info("admin created object")
	httputil.WriteJSON(w, http.StatusCreated, obj)
}

func (a *Admin) handleUpdate(w http.ResponseWriter, r *http.Request) {
	v, ok := a.view(w, r)
	if !ok {
		return
	}
	body, err := a.readForm(r, v, false)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	obj, err := v.table.UpdateJSON(r.Context(), mux.Vars(r)["pk"], body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, obj)
}

func (a *Admin) handleDelete(w http.ResponseWriter, r *http.Request) {
	v, ok := a.view(w, r)
	if !ok {
		return
	}
	pk := mux.Vars(r)["pk"]
	if err := v.table.DeleteByPK(r.Context(), pk); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"model": v.Name,
		"pk":    pk,
	}).Info("admin deleted object")
	w.WriteHeader(http.StatusNoContent)
}

// readForm reads a JSON object body and rejects keys the view does not
// allow to be written.
func (a *Admin) readForm(r *http.Request, v *View, creating bool) ([]byte, error) {
	body, err := httputil.ReadBody(r.Body)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, errors.BadRequest("request body must be a JSON object")
	}

	var rejected error
	gjson.ParseBytes(body).ForEach(func(key, _ gjson.Result) bool {
		if ok, reason := v.editable(key.String(), creating); !ok {
			rejected = errors.BadRequest(fmt.Sprintf("%s: %s", key.String(), reason)).
				WithDetails("field", key.String())
			return false
		}
		return true
	})
	return body, rejected
}

func (a *Admin) writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := httputil.WriteServiceError(w, r, err)
	if se.HTTPStatus >= http.StatusInternalServerError {
		a.logger.WithContext(r.Context()).WithError(err).Error("admin request failed")
	}
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}
