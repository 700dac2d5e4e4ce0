// Package middleware provides the HTTP middleware fastmango applications and
// the tool server are wrapped in.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fastmango/fastmango/internal/errors"
	internalhttputil "github.com/fastmango/fastmango/internal/httputil"
	"github.com/fastmango/fastmango/internal/logging"
)

// Claims are the JWT claims issued by pkg/auth.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// APIKeyRole is the role given to requests authenticated by API key.
const APIKeyRole = "api_key"

// apiKeySubject is the user ID recorded for API key requests.
const apiKeySubject = "api-key"

// AuthMiddleware authenticates requests by HS256 bearer token or API key.
type AuthMiddleware struct {
	secret       []byte
	apiKeyHeader string
	apiKeys      [][]byte
	logger       *logging.Logger
	skipPaths    map[string]bool
}

type AuthOption func(*AuthMiddleware)

// WithAPIKeys accepts any of keys in header as an alternative to a token.
// Empty keys are ignored.
func WithAPIKeys(header string, keys []string) AuthOption {
	return func(m *AuthMiddleware) {
		m.apiKeyHeader = header
		for _, k := range keys {
			if k != "" {
				m.apiKeys = append(m.apiKeys, []byte(k))
			}
		}
	}
}

// NewAuthMiddleware builds the middleware. An empty secret disables token
// authentication; requests under skipPaths and CORS preflights pass through.
func NewAuthMiddleware(secret []byte, logger *logging.Logger, skipPaths []string, opts ...AuthOption) *AuthMiddleware {
	m := &AuthMiddleware{
		secret:    secret,
		logger:    logger,
		skipPaths: make(map[string]bool, len(skipPaths)),
	}
	for _, p := range skipPaths {
		m.skipPaths[p] = true
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type identity struct {
	userID   string
	username string
	role     string
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		id, err := m.authenticate(r)
		if err != nil {
			m.reject(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), id.userID)
		if id.role != "" {
			ctx = logging.WithRole(ctx, id.role)
		}
		m.logger.WithContext(ctx).WithField("username", id.username).Debug("request authenticated")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate prefers an API key when the request carries one, then falls
// back to the Authorization header.
func (m *AuthMiddleware) authenticate(r *http.Request) (identity, error) {
	if m.apiKeyHeader != "" {
		if key := r.Header.Get(m.apiKeyHeader); key != "" {
			if !m.validAPIKey(key) {
				m.logger.LogSecurityEvent(r.Context(), "invalid_api_key", map[string]interface{}{
					"path": r.URL.Path,
				})
				return identity{}, errors.Unauthorized("Invalid API key")
			}
			return identity{userID: apiKeySubject, role: APIKeyRole}, nil
		}
	}

	token, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return identity{}, err
	}
	if len(m.secret) == 0 {
		return identity{}, errors.Unauthorized("Token authentication is not enabled")
	}
	claims, err := ValidateToken(m.secret, token)
	if err != nil {
		return identity{}, err
	}
	return identity{userID: claims.UserID, username: claims.Username, role: claims.Role}, nil
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.Unauthorized("Missing Authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errors.Unauthorized("Invalid Authorization header format")
	}
	return token, nil
}

func (m *AuthMiddleware) validAPIKey(key string) bool {
	for _, k := range m.apiKeys {
		if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// ValidateToken parses an HS256 token signed with secret and returns its
// claims. Tokens without a user ID are rejected.
func ValidateToken(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims")
	}
	return claims, nil
}

func (m *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	se := internalhttputil.WriteServiceError(w, r, err)
	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": se.HTTPStatus,
	}).Warn("authentication failed")
}

func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// RequireUserID rejects requests that reach it without an authenticated
// user in their context.
func RequireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserID(r.Context()) == "" {
			internalhttputil.Unauthorized(w, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
