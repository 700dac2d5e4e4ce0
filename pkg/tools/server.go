package tools

import (
	"context"
	"html/template"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/tidwall/gjson"

	"github.com/fastmango/fastmango/internal/config"
	"github.com/fastmango/fastmango/internal/errors"
	"github.com/fastmango/fastmango/internal/httputil"
	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/internal/middleware"
)

// Server serves the tool dashboard, the health check, the MCP protocol
// endpoint and the plain HTTP tool routes.
type Server struct {
	cfg     config.MCPConfig
	invoker *Invoker
	logger  *logging.Logger
	mcp     *server.MCPServer
	started time.Time

	guard func(http.Handler) http.Handler
	redis *redis.Client
	local *middleware.LocalLimiter
}

// NewServer builds a server from cfg. secret validates bearer tokens when
// cfg.RequireAuth is set; API keys are accepted when configured.
func NewServer(cfg config.MCPConfig, secret []byte, iv *Invoker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		invoker: iv,
		logger:  logger,
		mcp:     NewMCPServer(cfg.Name, cfg.Version, cfg.Description, iv),
		started: time.Now(),
	}

	var chain []func(http.Handler) http.Handler
	chain = append(chain, middleware.NewCORSMiddleware(cfg.AllowedOrigins, cfg.APIKeys.Header).Handler)

	if rl := cfg.RateLimit; rl.Enabled && rl.RequestsPerMinute > 0 {
		var limiter middleware.Limiter
		if rl.RedisAddr != "" {
			s.redis = redis.NewClient(&redis.Options{Addr: rl.RedisAddr})
			limiter = middleware.NewRedisLimiter(s.redis, rl.RequestsPerMinute, time.Minute)
		} else {
			s.local = middleware.NewLocalLimiter(rl.RequestsPerMinute, rl.Burst)
			limiter = s.local
		}
		chain = append(chain, middleware.NewRateLimiterWith(limiter, rl.RequestsPerMinute, logger).Handler)
	}

	if cfg.RequireAuth {
		var opts []middleware.AuthOption
		if cfg.APIKeys.Enabled {
			opts = append(opts, middleware.WithAPIKeys(cfg.APIKeys.Header, cfg.APIKeys.Keys))
		}
		chain = append(chain, middleware.NewAuthMiddleware(secret, logger, nil, opts...).Handler)
	}

	s.guard = func(h http.Handler) http.Handler {
		for i := len(chain) - 1; i >= 0; i-- {
			h = chain[i](h)
		}
		return h
	}
	return s
}

// MCP returns the protocol server, for serving over stdio.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Routes mounts the server's endpoints on r.
func (s *Server) Routes(r *mux.Router) {
	if s.cfg.HealthCheckURL != "" {
		r.HandleFunc(s.cfg.HealthCheckURL, s.handleHealth).Methods(http.MethodGet)
	}

	if dash := s.cfg.DashboardURL; dash != "" {
		r.Handle(dash, s.guard(http.HandlerFunc(s.handleDashboard))).Methods(http.MethodGet, http.MethodOptions)
		r.Handle(dash+"/api/tools", s.guard(http.HandlerFunc(s.handleListTools))).Methods(http.MethodGet, http.MethodOptions)
		r.Handle(dash+"/api/tools/{name}/execute", s.guard(http.HandlerFunc(s.handleDashboardExecute))).
			Methods(http.MethodPost, http.MethodOptions)
	}

	if path := s.cfg.ProtocolPath; path != "" {
		r.Handle(path, s.guard(server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(path))))
		if s.cfg.ExposeToolRoutes {
			r.Handle(path+"/tools/{name}", s.guard(http.HandlerFunc(s.handleToolRoute))).
				Methods(http.MethodPost, http.MethodOptions)
		}
	}
}

// StartCleanup evicts idle in-process rate limit buckets until ctx is done.
func (s *Server) StartCleanup(ctx context.Context) {
	if s.local != nil {
		s.local.StartCleanup(ctx, 5*time.Minute)
	}
}

// Close releases the shared rate limit store, if any.
func (s *Server) Close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.invoker.Registry().Infos())
}

// handleDashboardExecute takes {"args": {...}} and answers
// {"result": ..., "success": true} or {"error": ..., "success": false}.
func (s *Server) handleDashboardExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	body, err := httputil.ReadBody(r.Body)
	if err != nil {
		s.writeToolError(w, r, err)
		return
	}

	var args []byte
	if len(body) > 0 {
		if !gjson.ValidBytes(body) {
			s.writeToolError(w, r, errors.BadRequest("request body is not valid JSON"))
			return
		}
		if a := gjson.GetBytes(body, "args"); a.Exists() {
			args = []byte(a.Raw)
		}
	}
	s.execute(w, r, mux.Vars(r)["name"], args)
}

// handleToolRoute takes the arguments object as the whole body.
func (s *Server) handleToolRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	body, err := httputil.ReadBody(r.Body)
	if err != nil {
		s.writeToolError(w, r, err)
		return
	}
	s.execute(w, r, mux.Vars(r)["name"], body)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, name string, args []byte) {
	result, err := s.invoker.Invoke(r.Context(), name, args)
	if err != nil {
		s.writeToolError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"result":  result,
		"success": true,
	})
}

func (s *Server) writeToolError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	if se := errors.GetServiceError(err); se != nil {
		status = se.HTTPStatus
		message = se.Message
	}
	httputil.WriteJSON(w, status, map[string]interface{}{
		"error":    message,
		"success":  false,
		"trace_id": logging.GetTraceID(r.Context()),
	})
}

// HealthReport is the body of the health check.
type HealthReport struct {
	Status    string        `json:"status"`
	MCPServer HealthServer  `json:"mcp_server"`
	Process   HealthProcess `json:"process"`
}

// HealthServer summarises the tool server.
type HealthServer struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	ToolsCount int      `json:"tools_count"`
	Tools      []string `json:"tools"`
}

// HealthProcess reports resource usage of the running process.
type HealthProcess struct {
	PID            int     `json:"pid"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Goroutines     int     `json:"goroutines"`
	RSSBytes       uint64  `json:"rss_bytes,omitempty"`
	CPUPercent     float64 `json:"cpu_percent"`
	SystemMemUsed  float64 `json:"system_memory_used_percent,omitempty"`
	SystemMemTotal uint64  `json:"system_memory_total_bytes,omitempty"`
}

// Health builds the health report.
func (s *Server) Health(ctx context.Context) HealthReport {
	names := s.invoker.Registry().Names()
	report := HealthReport{
		Status: "healthy",
		MCPServer: HealthServer{
			Name:       s.cfg.Name,
			Version:    s.cfg.Version,
			ToolsCount: len(names),
			Tools:      names,
		},
		Process: HealthProcess{
			PID:           os.Getpid(),
			UptimeSeconds: time.Since(s.started).Seconds(),
			Goroutines:    runtime.NumGoroutine(),
		},
	}

	// resource figures are best effort; the process is healthy without them
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			report.Process.RSSBytes = mi.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			report.Process.CPUPercent = cpu
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.Process.SystemMemUsed = vm.UsedPercent
		report.Process.SystemMemTotal = vm.Total
	}
	return report
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.Health(r.Context()))
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<p>{{.Description}} (version {{.Version}})</p>
<table>
<tr><th>Tool</th><th>Description</th><th>Parameters</th><th>Returns</th></tr>
{{range .Tools}}<tr>
<td>{{.Name}}</td>
<td>{{.Description}}</td>
<td>{{range .Params}}<code>{{.Name}}</code>: {{.Type}}{{if .Required}} (required){{end}}<br>{{end}}</td>
<td>{{.ReturnType}}</td>
</tr>
{{end}}</table>
<p>Execute with <code>POST {{.APIBase}}/{name}/execute</code> and body <code>{"args": {...}}</code>.</p>
</body>
</html>
`))

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := dashboardTemplate.Execute(w, map[string]interface{}{
		"Name":        s.cfg.Name,
		"Version":     s.cfg.Version,
		"Description": s.cfg.Description,
		"Tools":       s.invoker.Registry().List(),
		"APIBase":     s.cfg.DashboardURL + "/api/tools",
	})
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("render dashboard")
	}
}
