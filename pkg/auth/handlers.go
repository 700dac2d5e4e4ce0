package auth

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	serviceerrors "github.com/fastmango/fastmango/internal/errors"
	"github.com/fastmango/fastmango/internal/httputil"
	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/internal/middleware"
	"github.com/fastmango/fastmango/pkg/orm"
)

// LoginRequest is the body accepted by LoginHandler.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the body returned on a successful login.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// LoginHandler exchanges a username and password for a bearer token. It
// needs a session in the request context.
func LoginHandler(tokens *Tokens, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := httputil.DecodeJSON(r.Body, &req); err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		if req.Username == "" || req.Password == "" {
			httputil.WriteServiceError(w, r, serviceerrors.BadRequest("username and password are required"))
			return
		}

		u, err := Authenticate(r.Context(), req.Username, req.Password)
		if errors.Is(err, ErrInvalidCredentials) {
			logger.LogSecurityEvent(r.Context(), "login_failed", map[string]interface{}{
				"username": req.Username,
			})
			httputil.WriteServiceError(w, r, serviceerrors.Unauthorized("invalid username or password"))
			return
		}
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}

		token, expires, err := tokens.IssueToken(u)
		if err != nil {
			httputil.WriteServiceError(w, r, serviceerrors.Internal("failed to issue token", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, LoginResponse{
			AccessToken: token,
			TokenType:   "bearer",
			ExpiresAt:   expires,
		})
	}
}

// MeHandler returns the authenticated user. It must run behind the auth
// middleware.
func MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := middleware.GetUserID(r.Context())
		if id == "" || middleware.GetUserRole(r.Context()) == middleware.APIKeyRole {
			httputil.Unauthorized(w, "user token required")
			return
		}
		pk, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			httputil.WriteServiceError(w, r, serviceerrors.InvalidToken(err))
			return
		}
		u, err := Users.GetOr404(r.Context(), orm.Fields{"id": pk})
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, u)
	}
}
