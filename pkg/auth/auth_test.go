package auth

import (
	"context"
	"database/sql/driver"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/fastmango/fastmango/internal/config"
	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/internal/middleware"
	"github.com/fastmango/fastmango/pkg/orm"
	"github.com/fastmango/fastmango/pkg/testutil"
)

func init() {
	hashCost = bcrypt.MinCost
}

var userCols = []string{"id", "username", "email", "password_hash", "is_active"}

const (
	userSelect = `SELECT "id", "username", "email", "password_hash", "is_active" FROM "user"`
	userReturn = ` RETURNING "id", "username", "email", "password_hash", "is_active"`
)

func hashed(t *testing.T, password string) string {
	t.Helper()
	var u User
	require.NoError(t, u.SetPassword(password))
	return *u.PasswordHash
}

func newTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens(config.AuthConfig{JWTSecret: "s3cret", Issuer: "fastmango", TokenTTL: time.Hour})
	require.NoError(t, err)
	return tokens
}

func TestUserDescriptor(t *testing.T) {
	meta := Users.Meta()
	assert.Equal(t, "user", meta.Table)
	assert.Equal(t, []string{"id", "username", "email", "password_hash", "is_active"}, meta.Columns())

	username, _ := meta.Field("username")
	assert.True(t, username.Unique)
	assert.True(t, username.Index)
	email, _ := meta.Field("email")
	assert.True(t, email.Unique)
	hash, _ := meta.Field("password_hash")
	assert.True(t, hash.Nullable)

	u, err := Users.New(orm.Fields{"username": "ann"})
	require.NoError(t, err)
	assert.True(t, u.IsActive, "users are active by default")
}

func TestPasswords(t *testing.T) {
	var u User
	assert.False(t, u.CheckPassword(""), "no password set")
	assert.ErrorIs(t, u.SetPassword(""), ErrEmptyPassword)

	require.NoError(t, u.SetPassword("hunter22"))
	assert.NotEqual(t, "hunter22", *u.PasswordHash)
	assert.True(t, u.CheckPassword("hunter22"))
	assert.False(t, u.CheckPassword("hunter23"))
}

func TestCreateUser(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "postgres")
	ctx := testutil.WithSession(t, db)

	mock.ExpectBegin()
	mock.ExpectQuery(testutil.SQL(`INSERT INTO "user" ("username", "email", "password_hash", "is_active") VALUES ($1, $2, $3, $4)` + userReturn)).
		WithArgs("ann", "ann@example.com", sqlmock.AnyArg(), true).
		WillReturnRows(testutil.Rows(Users.Meta(), []driver.Value{1, "ann", "ann@example.com", "hash", true}))
	mock.ExpectCommit()

	u, err := CreateUser(ctx, " ann ", "ann@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	testutil.ExpectationsMet(t, mock)
}

func TestAuthenticate(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "postgres")
	hash := hashed(t, "pw")
	getUser := regexp.QuoteMeta(userSelect + ` WHERE "username" = $1 ORDER BY "id" ASC LIMIT 1`)

	mock.ExpectQuery(getUser).WithArgs("ann").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(1, "ann", "a@x", hash, true))
	mock.ExpectQuery(getUser).WithArgs("ann").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(1, "ann", "a@x", hash, true))
	mock.ExpectQuery(getUser).WithArgs("bob").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(2, "bob", "b@x", hash, false))
	mock.ExpectQuery(getUser).WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows(userCols))

	err := db.Scope(context.Background(), func(ctx context.Context) error {
		u, err := Authenticate(ctx, "ann", "pw")
		require.NoError(t, err)
		assert.Equal(t, "ann", u.Username)

		_, err = Authenticate(ctx, "ann", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		_, err = Authenticate(ctx, "bob", "pw")
		assert.ErrorIs(t, err, ErrInvalidCredentials, "inactive users cannot log in")

		_, err = Authenticate(ctx, "nobody", "pw")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokens(t *testing.T) {
	_, err := NewTokens(config.AuthConfig{})
	assert.ErrorIs(t, err, ErrNoSecret)

	tokens := newTokens(t)
	token, expires, err := tokens.IssueToken(&User{ID: 42, Username: "ann"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	claims, err := tokens.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.UserID)
	assert.Equal(t, "ann", claims.Username)
	assert.Equal(t, RoleUser, claims.Role)
	assert.Equal(t, "fastmango", claims.Issuer)

	other, err := NewTokens(config.AuthConfig{JWTSecret: "other"})
	require.NoError(t, err)
	_, err = other.ParseToken(token)
	assert.Error(t, err)

	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := tokens.IssueToken(&User{ID: 42})
	require.NoError(t, err)
	_, err = tokens.ParseToken(expired)
	assert.Error(t, err)
}

func TestLoginHandler(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "postgres")
	tokens := newTokens(t)
	hash := hashed(t, "pw")
	handler := middleware.SessionMiddleware(db)(LoginHandler(tokens, logging.NewNop()))

	getUser := regexp.QuoteMeta(userSelect + ` WHERE "username" = $1 ORDER BY "id" ASC LIMIT 1`)
	mock.ExpectQuery(getUser).WithArgs("ann").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(7, "ann", "a@x", hash, true))
	mock.ExpectQuery(getUser).WithArgs("ann").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(7, "ann", "a@x", hash, true))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"success", `{"username": "ann", "password": "pw"}`, http.StatusOK},
		{"wrong password", `{"username": "ann", "password": "nope"}`, http.StatusUnauthorized},
		{"missing password", `{"username": "ann"}`, http.StatusBadRequest},
		{"unknown field", `{"user": "ann"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			if tt.status == http.StatusOK {
				assert.Equal(t, "bearer", gjson.Get(rec.Body.String(), "token_type").String())
				claims, err := tokens.ParseToken(gjson.Get(rec.Body.String(), "access_token").String())
				require.NoError(t, err)
				assert.Equal(t, "7", claims.UserID)
			}
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMeHandler(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "postgres")
	tokens := newTokens(t)
	auth := middleware.NewAuthMiddleware(tokens.Secret(), logging.NewNop(), nil)
	handler := auth.Handler(middleware.SessionMiddleware(db)(MeHandler()))

	mock.ExpectQuery(regexp.QuoteMeta(userSelect + ` WHERE "id" = $1 ORDER BY "id" ASC LIMIT 1`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(7, "ann", "a@x", "secret-hash", true))

	token, _, err := tokens.IssueToken(&User{ID: 7, Username: "ann"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "ann", gjson.Get(body, "username").String())
	assert.False(t, gjson.Get(body, "password_hash").Exists(), "hash is never serialised")
	assert.NotContains(t, body, "secret-hash")
	assert.NoError(t, mock.ExpectationsWereMet())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
