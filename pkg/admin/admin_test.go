package admin

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/fastmango/fastmango/internal/config"
	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/internal/middleware"
	"github.com/fastmango/fastmango/pkg/orm"
	"github.com/fastmango/fastmango/pkg/testutil"
)

type Author struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Email    string `db:"email" json:"email" orm:"unique"`
	Password string `db:"password" json:"-"`
	Age      int    `db:"age" json:"age"`
}

type Book struct {
	ID       int64  `db:"id" json:"id"`
	Title    string `db:"title" json:"title"`
	AuthorID int64  `db:"author_id" json:"author_id" orm:"fk=author.id"`
}

type AuditLog struct {
	ID      int64  `db:"id"`
	Message string `db:"message"`
}

func (AuditLog) AdminExclude() bool { return true }

var (
	authors = orm.Register[Author]()
	books   = orm.Register[Book]()
	_       = orm.Register[AuditLog]()
)

var authorCols = []string{"id", "name", "email", "password", "age"}

const authorSelect = `SELECT "id", "name", "email", "password", "age" FROM "author"`

var errUniqueViolation = &pq.Error{Code: "23505", Constraint: "author_email_key"}

func q(s string) string { return regexp.QuoteMeta(s) }

func newTestAdmin(t *testing.T) (*Admin, http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := testutil.NewMockDB(t, "postgres")

	a := New(config.AdminConfig{Enabled: true, Path: "/admin", Title: "Test Admin"}, logging.NewNop())
	r := mux.NewRouter()
	r.Use(middleware.SessionMiddleware(db))
	a.Routes(r)
	return a, r, mock
}

func send(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestAutoRegister(t *testing.T) {
	a, _, _ := newTestAdmin(t)

	assert.Equal(t, []string{"Author", "Book"}, a.RegisteredModels())
	assert.True(t, a.IsRegistered("Author"))
	assert.True(t, a.IsRegistered("book"))
	assert.False(t, a.IsRegistered("AuditLog"), "excluded models are skipped")
}

func TestDefaultView(t *testing.T) {
	a, _, _ := newTestAdmin(t)

	v, ok := a.View("Author")
	require.True(t, ok)
	assert.Equal(t, "Authors", v.Plural)
	assert.Equal(t, "id", v.Identity)
	assert.Equal(t, []string{"id", "name", "email", "age"}, v.Columns, "passwords are hidden")
	assert.Equal(t, []string{"name", "email"}, v.Searchable)
	assert.Equal(t, v.Columns, v.FormColumns)
	assert.Equal(t, DefaultPageSize, v.PageSize)

	v, ok = a.View("Book")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "title"}, v.Columns, "foreign keys are hidden")
}

func TestRegisterIsIdempotent(t *testing.T) {
	a, _, _ := newTestAdmin(t)

	first, _ := a.View("Author")
	assert.Same(t, first, a.Register(authors, WithPlural("Writers")))
	assert.Equal(t, "Authors", first.Plural)

	custom := a.RegisterCustom(authors, WithPlural("Writers"), WithColumns("id", "name"), WithPageSize(5))
	got, _ := a.View("Author")
	assert.Same(t, custom, got)
	assert.Equal(t, "Writers", got.Plural)
	assert.Equal(t, []string{"id", "name"}, got.Columns)
	assert.Len(t, a.RegisteredModels(), 2)
}

func TestIndex(t *testing.T) {
	_, h, _ := newTestAdmin(t)

	rec := send(h, http.MethodGet, "/admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "Test Admin", gjson.Get(body, "title").String())
	assert.Equal(t, `["Author","Book"]`, gjson.Get(body, "models.#.name").Raw)
	assert.Equal(t, `["name","email"]`, gjson.Get(body, `models.#(name=="Author").column_searchable_list`).Raw)
}

func TestList(t *testing.T) {
	_, h, mock := newTestAdmin(t)

	where := ` WHERE (LOWER("name") LIKE $1 OR LOWER("email") LIKE $2)`
	mock.ExpectQuery(q(`SELECT COUNT(*) FROM "author"` + where)).
		WithArgs("%ann%", "%ann%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery(q(authorSelect + where + ` ORDER BY "id" ASC LIMIT 10 OFFSET 10`)).
		WithArgs("%ann%", "%ann%").
		WillReturnRows(sqlmock.NewRows(authorCols).
			AddRow(11, "Ann", "ann@example.com", "hunter2", 40).
			AddRow(12, "Joanne", "jo@example.com", "pw", 33))

	rec := send(h, http.MethodGet, "/admin/author?q=Ann&limit=10&offset=10", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.EqualValues(t, 12, gjson.Get(body, "total").Int())
	assert.Equal(t, `["Ann","Joanne"]`, gjson.Get(body, "items.#.name").Raw)
	assert.NotContains(t, body, "hunter2")
	assert.False(t, gjson.Get(body, "items.0.password").Exists())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_BadParams(t *testing.T) {
	_, h, _ := newTestAdmin(t)

	assert.Equal(t, http.StatusBadRequest, send(h, http.MethodGet, "/admin/author?limit=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, send(h, http.MethodGet, "/admin/author?offset=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, send(h, http.MethodGet, "/admin/audit_log", "").Code)
}

func TestDetail(t *testing.T) {
	_, h, mock := newTestAdmin(t)

	lookup := q(authorSelect + ` WHERE "id" = $1 ORDER BY "id" ASC LIMIT 1`)
	mock.ExpectQuery(lookup).WithArgs(1).
		WillReturnRows(sqlmock.NewRows(authorCols).AddRow(1, "Ann", "ann@example.com", "pw", 40))
	mock.ExpectQuery(lookup).WithArgs(2).
		WillReturnRows(sqlmock.NewRows(authorCols))

	rec := send(h, http.MethodGet, "/admin/Author/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ann", gjson.Get(rec.Body.String(), "name").String())

	rec = send(h, http.MethodGet, "/admin/author/2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = send(h, http.MethodGet, "/admin/author/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate(t *testing.T) {
	_, h, mock := newTestAdmin(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`INSERT INTO "author" ("name", "email", "password", "age") VALUES ($1, $2, $3, $4) RETURNING "id", "name", "email", "password", "age"`)).
		WithArgs("Ann", "ann@example.com", "", 40).
		WillReturnRows(sqlmock.NewRows(authorCols).AddRow(1, "Ann", "ann@example.com", "", 40))
	mock.ExpectCommit()

	rec := send(h, http.MethodPost, "/admin/author", `{"name": "Ann", "email": "ann@example.com", "age": 40}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, gjson.Get(rec.Body.String(), "id").Int())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_Conflict(t *testing.T) {
	_, h, mock := newTestAdmin(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q(`INSERT INTO "author"`)).
		WillReturnError(errUniqueViolation)
	mock.ExpectRollback()

	rec := send(h, http.MethodPost, "/admin/author", `{"name": "Ann", "email": "ann@example.com"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_RejectsFields(t *testing.T) {
	_, h, _ := newTestAdmin(t)

	tests := []struct {
		name string
		body string
	}{
		{"hidden column", `{"password": "x"}`},
		{"unknown column", `{"nickname": "x"}`},
		{"foreign key", `{"author_id": 1}`},
		{"not an object", `[1]`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/admin/author"
			if tt.name == "foreign key" {
				path = "/admin/book"
			}
			rec := send(h, http.MethodPost, path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestUpdate(t *testing.T) {
	a, h, mock := newTestAdmin(t)
	a.RegisterCustom(authors, WithReadOnly("email"))

	mock.ExpectQuery(q(authorSelect + ` WHERE "id" = $1 ORDER BY "id" ASC LIMIT 1`)).WithArgs(1).
		WillReturnRows(sqlmock.NewRows(authorCols).AddRow(1, "Ann", "ann@example.com", "pw", 40))
	mock.ExpectBegin()
	mock.ExpectQuery(q(`UPDATE "author" SET "name" = $1, "email" = $2, "password" = $3, "age" = $4 WHERE "id" = $5 RETURNING "id", "name", "email", "password", "age"`)).
		WithArgs("Anne", "ann@example.com", "pw", 40, 1).
		WillReturnRows(sqlmock.NewRows(authorCols).AddRow(1, "Anne", "ann@example.com", "pw", 40))
	mock.ExpectCommit()

	rec := send(h, http.MethodPatch, "/admin/author/1", `{"name": "Anne"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Anne", gjson.Get(rec.Body.String(), "name").String())

	rec = send(h, http.MethodPatch, "/admin/author/1", `{"email": "new@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "read-only on update")

	rec = send(h, http.MethodPatch, "/admin/author/1", `{"id": 9}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "key cannot change")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	_, h, mock := newTestAdmin(t)

	mock.ExpectQuery(q(authorSelect + ` WHERE "id" = $1 ORDER BY "id" ASC LIMIT 1`)).WithArgs(1).
		WillReturnRows(sqlmock.NewRows(authorCols).AddRow(1, "Ann", "ann@example.com", "pw", 40))
	mock.ExpectBegin()
	mock.ExpectExec(q(`DELETE FROM "author" WHERE "id" = $1`)).WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := send(h, http.MethodDelete, "/admin/author/1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookIsManaged(t *testing.T) {
	assert.Equal(t, "book", books.Meta().Table)
}
