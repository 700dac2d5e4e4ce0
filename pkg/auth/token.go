package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fastmango/fastmango/internal/config"
	"github.com/fastmango/fastmango/internal/middleware"
)

// RoleUser is the role carried by tokens issued to users.
const RoleUser = "user"

// ErrNoSecret is returned when no signing secret is configured.
var ErrNoSecret = errors.New("auth: jwt secret not configured")

// Tokens issues and parses HS256 bearer tokens accepted by the auth
// middleware.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens builds a token issuer from cfg.
func NewTokens(cfg config.AuthConfig) (*Tokens, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrNoSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Secret returns the signing secret, for configuring the auth middleware.
func (t *Tokens) Secret() []byte { return t.secret }

// IssueToken signs a token for u and returns it with its expiry.
func (t *Tokens) IssueToken(u *User) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	id := strconv.FormatInt(u.ID, 10)

	claims := &middleware.Claims{
		UserID:   id,
		Username: u.Username,
		Role:     RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ParseToken validates a token and returns its claims.
func (t *Tokens) ParseToken(token string) (*middleware.Claims, error) {
	return middleware.ValidateToken(t.secret, token)
}
