// Package app ties the router, the orm, the admin API and the tool server
// together under one Application.
//
//	cfg, _ := app.LoadConfig("fastmango.yaml")
//	a, err := app.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	a.Get("/articles", listArticles)
//	_ = a.Run(ctx)
//
// Every route runs with a database session in its request context, so
// handlers use model managers directly.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/fastmango/fastmango/internal/config"
	"github.com/fastmango/fastmango/internal/httputil"
	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/internal/metrics"
	"github.com/fastmango/fastmango/internal/middleware"
	"github.com/fastmango/fastmango/pkg/admin"
	"github.com/fastmango/fastmango/pkg/auth"
	"github.com/fastmango/fastmango/pkg/orm"
	"github.com/fastmango/fastmango/pkg/tools"
)

// Config is the application configuration.
type Config = config.Config

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads path and the environment on top of the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Mounter is implemented by subsystems that add their own routes.
type Mounter interface {
	Routes(r *mux.Router)
}

// Hook runs at startup or shutdown.
type Hook func(ctx context.Context) error

// Application owns the HTTP server and the process-wide resources behind it.
type Application struct {
	cfg    *Config
	logger *logging.Logger
	db     *orm.DB
	ownsDB bool

	router  *mux.Router
	handler http.Handler

	admin     *admin.Admin
	invoker   *tools.Invoker
	tools     *tools.Server
	scheduler *tools.Scheduler
	tokens    *auth.Tokens

	mu       sync.Mutex
	startup  []Hook
	shutdown []Hook
	server   *http.Server
	cancel   context.CancelFunc
}

type options struct {
	logger   *logging.Logger
	db       *orm.DB
	registry *tools.Registry
	auth     bool
}

// Option customises New.
type Option func(*options)

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDB uses an already opened database instead of opening one from the
// configuration. The application does not close it.
func WithDB(db *orm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithToolRegistry serves the tools of r instead of tools.Default.
func WithToolRegistry(r *tools.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithAuth mounts the login and current-user endpoints under /auth. The
// configuration must carry a JWT secret.
func WithAuth() Option {
	return func(o *options) { o.auth = true }
}

// New builds an application from cfg: logger, database pool, router with
// the middleware chain and the enabled subsystems.
func New(cfg *Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &Application{cfg: cfg, logger: o.logger, db: o.db}
	if a.logger == nil {
		a.logger = logging.New(cfg.Server.Title, cfg.Logging.Level, cfg.Logging.Format)
	}

	if a.db == nil && cfg.Database.DSN != "" {
		db, err := openDatabase(cfg, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = db
		a.ownsDB = true
	}

	a.router = mux.NewRouter()
	a.router.Use(middleware.MetricsMiddleware(), middleware.SessionMiddleware(a.db))
	a.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	a.router.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)

	if cfg.Admin.Enabled {
		a.admin = admin.New(cfg.Admin, a.logger)
		a.Mount(a.admin)
	}

	if cfg.MCP.Enabled {
		a.invoker = tools.NewInvoker(o.registry, a.db, a.logger)
		a.tools = tools.NewServer(cfg.MCP, []byte(cfg.Auth.JWTSecret), a.invoker, a.logger)
		a.scheduler = tools.NewScheduler(a.invoker, a.logger, cfg.MCP.ScheduleTimeout)
		a.Mount(a.tools)
	}

	if o.auth {
		tokens, err := auth.NewTokens(cfg.Auth)
		if err != nil {
			a.closeDB()
			return nil, err
		}
		a.tokens = tokens
		a.mountAuth()
	}

	var h http.Handler = a.router
	h = middleware.NewCORSMiddleware(cfg.Server.AllowedOrigins).Handler(h)
	h = middleware.RecoveryMiddleware(a.logger)(h)
	h = middleware.NewTracingMiddleware(a.logger).Handler(h)
	a.handler = h

	return a, nil
}

func openDatabase(cfg *Config, logger *logging.Logger) (*orm.DB, error) {
	ormLogger := logger
	if cfg.Database.Echo {
		ormLogger = logging.New(cfg.Server.Title, "debug", cfg.Logging.Format)
	}
	return orm.Open(cfg.Database.Driver, cfg.Database.DSN, orm.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		PingTimeout:     cfg.Database.PingTimeout,
		Logger:          ormLogger,
	})
}

func (a *Application) mountAuth() {
	authn := middleware.NewAuthMiddleware(a.tokens.Secret(), a.logger, nil)
	r := a.Group("/auth")
	r.Handle("/login", auth.LoginHandler(a.tokens, a.logger)).Methods(http.MethodPost)
	r.Handle("/me", authn.Handler(middleware.RequireUserID(auth.MeHandler()))).Methods(http.MethodGet)
}

// Config returns the configuration the application was built with.
func (a *Application) Config() *Config { return a.cfg }

// Logger returns the application logger.
func (a *Application) Logger() *logging.Logger { return a.logger }

// DB returns the database, or nil when none is configured.
func (a *Application) DB() *orm.DB { return a.db }

// Router returns the root router.
func (a *Application) Router() *mux.Router { return a.router }

// Admin returns the admin registrar, or nil when the admin is disabled.
func (a *Application) Admin() *admin.Admin { return a.admin }

// Tools returns the tool server, or nil when it is disabled.
func (a *Application) Tools() *tools.Server { return a.tools }

// Invoker returns the tool invoker, or nil when the tool server is disabled.
func (a *Application) Invoker() *tools.Invoker { return a.invoker }

// Scheduler returns the scheduler of scheduled tools, or nil when the tool
// server is disabled.
func (a *Application) Scheduler() *tools.Scheduler { return a.scheduler }

// Handler returns the application as an http.Handler with the full
// middleware chain applied.
func (a *Application) Handler() http.Handler { return a.handler }

// Get registers a GET route.
func (a *Application) Get(path string, h http.HandlerFunc) *mux.Route {
	return a.router.HandleFunc(path, h).Methods(http.MethodGet)
}

// Post registers a POST route.
func (a *Application) Post(path string, h http.HandlerFunc) *mux.Route {
	return a.router.HandleFunc(path, h).Methods(http.MethodPost)
}

// Put registers a PUT route.
func (a *Application) Put(path string, h http.HandlerFunc) *mux.Route {
	return a.router.HandleFunc(path, h).Methods(http.MethodPut)
}

// Patch registers a PATCH route.
func (a *Application) Patch(path string, h http.HandlerFunc) *mux.Route {
	return a.router.HandleFunc(path, h).Methods(http.MethodPatch)
}

// Delete registers a DELETE route.
func (a *Application) Delete(path string, h http.HandlerFunc) *mux.Route {
	return a.router.HandleFunc(path, h).Methods(http.MethodDelete)
}

// Group returns a subrouter for routes under prefix. It inherits the
// application middleware.
func (a *Application) Group(prefix string) *mux.Router {
	return a.router.PathPrefix(prefix).Subrouter()
}

// Include serves h under prefix, with the prefix stripped from the request
// path.
func (a *Application) Include(prefix string, h http.Handler) {
	a.router.PathPrefix(prefix).Handler(http.StripPrefix(prefix, h))
}

// Mount lets m add its routes to the root router.
func (a *Application) Mount(m Mounter) {
	m.Routes(a.router)
}

// OnStartup registers fn to run, in registration order, before the server
// accepts requests.
func (a *Application) OnStartup(fn Hook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startup = append(a.startup, fn)
}

// OnShutdown registers fn to run, in reverse registration order, after the
// server stopped accepting requests.
func (a *Application) OnShutdown(fn Hook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = append(a.shutdown, fn)
}

// Start runs the startup hooks and starts background work: admin
// registration of late models, scheduled tools and rate limit cleanup.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	hooks := append([]Hook(nil), a.startup...)
	a.mu.Unlock()

	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("startup hook: %w", err)
		}
	}

	if a.admin != nil {
		a.admin.AutoRegister()
	}

	bg, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if a.tools != nil {
		a.tools.StartCleanup(bg)
	}
	if a.scheduler != nil {
		n, err := a.scheduler.Load()
		if err != nil {
			cancel()
			return fmt.Errorf("load scheduled tools: %w", err)
		}
		a.scheduler.Start()
		if n > 0 {
			a.logger.WithField("tools", n).Info("scheduled tools started")
		}
	}
	return nil
}

// Run starts the application and serves HTTP until ctx is cancelled, then
// shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         a.cfg.Addr(),
		Handler:      a.handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			_ = a.Shutdown(context.Background())
			return err
		}
	}
	return a.Shutdown(context.Background())
}

// Shutdown stops the HTTP server, the scheduler and the background work,
// runs the shutdown hooks and closes the database pool when the application
// opened it. The first error is returned; later steps still run.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	a.mu.Lock()
	srv, stop := a.server, a.cancel
	a.server, a.cancel = nil, nil
	hooks := append([]Hook(nil), a.shutdown...)
	a.mu.Unlock()

	if srv != nil {
		keep(srv.Shutdown(ctx))
	}
	if a.scheduler != nil {
		keep(a.scheduler.Stop(ctx))
	}
	if stop != nil {
		stop()
	}
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			a.logger.WithError(err).Warn("shutdown hook failed")
			keep(err)
		}
	}
	if a.tools != nil {
		keep(a.tools.Close())
	}
	keep(a.closeDB())
	return first
}

func (a *Application) closeDB() error {
	if !a.ownsDB || a.db == nil {
		return nil
	}
	a.ownsDB = false
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Warn("error closing database connection")
		return err
	}
	return nil
}

func (a *Application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status, database := http.StatusOK, "disabled"
	if a.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.db.X().PingContext(ctx); err != nil {
			a.logger.WithContext(r.Context()).WithError(err).Warn("database health check failed")
			status, database = http.StatusServiceUnavailable, "unavailable"
		} else {
			database = "ok"
		}
	}

	body := map[string]interface{}{
		"status":   "ok",
		"database": database,
		"version":  a.cfg.Server.Version,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	httputil.WriteJSON(w, status, body)
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	httputil.WriteJSON(w, status, v)
}

// WriteError writes err as a JSON error response. orm errors map to their
// HTTP statuses: not found to 404, invalid fields to 400, constraint
// violations to 409. Anything else is a 500 without its cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteServiceError(w, r, err)
}

// DecodeJSON decodes a JSON request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst interface{}) error {
	return httputil.DecodeJSON(r.Body, dst)
}
