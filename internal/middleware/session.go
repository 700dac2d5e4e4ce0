package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fastmango/fastmango/pkg/orm"
)

// SessionMiddleware gives every request its own database session. The
// session is installed in the request context before the handler runs and
// released after it returns, including when it panics. A nil db passes
// requests through untouched.
func SessionMiddleware(db *orm.DB) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if db == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// close failures are logged by Scope; the response is already written
			_ = db.Scope(r.Context(), func(ctx context.Context) error {
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
		})
	}
}
