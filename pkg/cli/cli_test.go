package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/fastmango/fastmango/pkg/orm"
	"github.com/fastmango/fastmango/pkg/tools"
)

type Gadget struct {
	ID   int64  `db:"id"`
	Name string `db:"name" orm:"index"`
}

var _ = orm.Register[Gadget]()

type greetArgs struct {
	Name string `json:"name" default:"world"`
}

func testRegistry() *tools.Registry {
	r := tools.NewRegistry()
	tools.Register("greet", func(_ context.Context, in greetArgs) (string, error) {
		return "hello " + in.Name, nil
	}, tools.WithRegistry(r), tools.WithDescription("Say hello"))
	return r
}

// writeConfig writes a config file pointing migrations at a temp dir.
func writeConfig(t *testing.T) (path, migrationsDir string) {
	t.Helper()
	dir := t.TempDir()
	migrationsDir = filepath.Join(dir, "migrations")
	path = filepath.Join(dir, "fastmango.yaml")
	content := "logging:\n  level: error\nmigrations:\n  dir: " + migrationsDir + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, migrationsDir
}

func execute(t *testing.T, opts Options, args ...string) (string, error) {
	t.Helper()
	if opts.Tools == nil {
		opts.Tools = testRegistry()
	}
	cfgPath, _ := writeConfig(t)
	root := NewRootCommand(opts)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand(Options{})
	assert.Equal(t, "fastmango", root.Use)

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "db", "tools", "admin", "version"} {
		assert.True(t, names[want], "missing command %q", want)
	}

	db, _, err := root.Find([]string{"db"})
	require.NoError(t, err)
	var dbCmds []string
	for _, c := range db.Commands() {
		dbCmds = append(dbCmds, c.Name())
	}
	assert.ElementsMatch(t, []string{"upgrade", "downgrade", "status", "revision", "create-tables", "docs", "data-migrate"}, dbCmds)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, Options{Name: "blog", Version: "1.2.3"}, "version")
	require.NoError(t, err)
	assert.Equal(t, "blog 1.2.3\n", out)
}

func TestDBRevision(t *testing.T) {
	cfgPath, migrationsDir := writeConfig(t)
	root := NewRootCommand(Options{Tools: testRegistry()})
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"--config", cfgPath, "db", "revision", "add", "gadgets"})
	require.NoError(t, root.Execute())

	files, err := filepath.Glob(filepath.Join(migrationsDir, "*_add_gadgets.*.sql"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Contains(t, buf.String(), "created")
}

func TestDBCreateTablesDryRun(t *testing.T) {
	out, err := execute(t, Options{}, "db", "create-tables", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, `CREATE TABLE IF NOT EXISTS "gadget"`)
	assert.Contains(t, out, `CREATE INDEX IF NOT EXISTS "ix_gadget_name"`)
}

func TestDBDocs(t *testing.T) {
	out, err := execute(t, Options{}, "db", "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "## Gadget")

	file := filepath.Join(t.TempDir(), "schema.md")
	_, err = execute(t, Options{}, "db", "docs", "--output", file)
	require.NoError(t, err)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Table: `gadget`")
}

func TestDBCommandsNeedDatabase(t *testing.T) {
	_, err := execute(t, Options{}, "db", "upgrade")
	assert.ErrorContains(t, err, "dsn")

	noop := func(context.Context) error { return nil }
	_, err = execute(t, Options{DataMigrations: []DataMigration{{Name: "seed", Up: noop}}}, "db", "data-migrate")
	assert.ErrorContains(t, err, "dsn")

	out, err := execute(t, Options{}, "db", "data-migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "no data migrations registered")
}

func TestToolsList(t *testing.T) {
	out, err := execute(t, Options{}, "tools", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "greet")
	assert.Contains(t, out, "Say hello")

	out, err = execute(t, Options{}, "tools", "list", "--json")
	require.NoError(t, err)
	assert.Equal(t, "string", gjson.Get(out, "greet.parameters.name.type").String())
}

func TestToolsCallLocal(t *testing.T) {
	out, err := execute(t, Options{}, "tools", "call", "greet", "--args", `{"name": "ann"}`)
	require.NoError(t, err)
	assert.Equal(t, "\"hello ann\"\n", out)

	out, err = execute(t, Options{}, "tools", "call", "greet")
	require.NoError(t, err)
	assert.Equal(t, "\"hello world\"\n", out)

	_, err = execute(t, Options{}, "tools", "call", "missing")
	assert.ErrorContains(t, err, "not found")

	_, err = execute(t, Options{}, "tools", "call", "greet", "--args", `{"name":`)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestToolsCallRemote(t *testing.T) {
	var gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp/tools/greet" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success": false, "error": "Tool 'x' not found"}`))
			return
		}
		gotKey = r.Header.Get("X-MCP-API-Key")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": "hello remote", "success": true}`))
	}))
	defer srv.Close()

	out, err := execute(t, Options{}, "tools", "call", "greet", "--remote", srv.URL, "--api-key", "k1", "--args", `{"name": "remote"}`)
	require.NoError(t, err)
	assert.Equal(t, "\"hello remote\"\n", out)
	assert.Equal(t, "k1", gotKey)
	assert.JSONEq(t, `{"name": "remote"}`, gotBody)

	_, err = execute(t, Options{}, "tools", "call", "other", "--remote", srv.URL)
	assert.ErrorContains(t, err, "not found")
}

func TestAdminModels(t *testing.T) {
	out, err := execute(t, Options{}, "admin", "models")
	require.NoError(t, err)
	assert.Contains(t, out, "MODEL")
	assert.Contains(t, out, "Gadget")
	assert.Contains(t, out, "/admin/gadget")
}
