package middleware

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fastmango/fastmango/internal/metrics"
)

// MetricsMiddleware records HTTP metrics for each request, labelled by the
// matched route template so path parameters do not explode cardinality.
func MetricsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return metrics.InstrumentHandler(next, routeLabel)
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
