package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	corsMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsMaxAge  = "3600"
)

// CORSMiddleware answers preflight requests and decorates responses to
// allowed origins.
type CORSMiddleware struct {
	any     bool
	exact   map[string]bool
	domains []string
	headers string
}

// NewCORSMiddleware builds the middleware from origin patterns. A pattern
// with a scheme ("https://app.example.com") must match the Origin header
// exactly. A bare host ("claude.ai") admits that host and its subdomains
// over any scheme and port. "*" admits every origin. extraHeaders are added
// to the allowed request headers.
func NewCORSMiddleware(allowedOrigins []string, extraHeaders ...string) *CORSMiddleware {
	m := &CORSMiddleware{exact: make(map[string]bool)}
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(strings.ToLower(o))
		switch {
		case o == "":
		case o == "*":
			m.any = true
		case strings.Contains(o, "://"):
			m.exact[strings.TrimSuffix(o, "/")] = true
		default:
			m.domains = append(m.domains, strings.TrimPrefix(o, "."))
		}
	}
	headers := append([]string{"Content-Type", "Authorization", "X-Trace-ID"}, extraHeaders...)
	m.headers = strings.Join(headers, ", ")
	return m
}

// Allowed reports whether responses to origin carry CORS headers.
func (m *CORSMiddleware) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if m.any {
		return true
	}
	origin = strings.ToLower(origin)
	if m.exact[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	for _, d := range m.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); m.Allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", m.headers)
			h.Set("Access-Control-Expose-Headers", "X-Trace-ID")
			h.Set("Access-Control-Max-Age", corsMaxAge)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
