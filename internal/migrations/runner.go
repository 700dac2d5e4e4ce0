package migrations

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"

	"github.com/fastmango/fastmango/internal/logging"
)

// Runner applies versioned SQL migrations from a directory of
// {version}_{name}.up.sql / .down.sql files.
type Runner struct {
	m      *migrate.Migrate
	dir    string
	logger *logging.Logger
}

// NewRunner opens the migration source dir and the database at dsn. The DSN
// must be a URL (postgres://...). The runner holds its own connection; call
// Close when done.
func NewRunner(dir, dsn string, logger *logging.Logger) (*Runner, error) {
	if dir == "" {
		return nil, fmt.Errorf("migrations directory not configured")
	}
	if dsn == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	m, err := migrate.New("file://"+filepath.ToSlash(abs), dsn)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	m.Log = migrateLogger{logger}
	return &Runner{m: m, dir: dir, logger: logger}, nil
}

// Up applies every pending migration. Having nothing to apply is not an
// error.
func (r *Runner) Up() error {
	if err := r.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Down reverts steps migrations.
func (r *Runner) Down(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	if err := r.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Version returns the current schema version. A database without applied
// migrations is at version 0.
func (r *Runner) Version() (version uint, dirty bool, err error) {
	version, dirty, err = r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Dir returns the migration source directory.
func (r *Runner) Dir() string { return r.dir }

// Close releases the source and database handles.
func (r *Runner) Close() error {
	srcErr, dbErr := r.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

type migrateLogger struct {
	logger *logging.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.WithField("component", "migrate").Infof(strings.TrimRight(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool {
	return l.logger.IsLevelEnabled(logrus.DebugLevel)
}

var now = time.Now

// NewRevision creates an empty up/down migration pair in dir, versioned by
// the current UTC time, and returns the two paths.
func NewRevision(dir, name string) ([]string, error) {
	slug := revisionSlug(name)
	if slug == "" {
		return nil, fmt.Errorf("revision name %q has no usable characters", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	base := fmt.Sprintf("%s_%s", now().UTC().Format("20060102150405"), slug)
	paths := []string{
		filepath.Join(dir, base+".up.sql"),
		filepath.Join(dir, base+".down.sql"),
	}
	for _, p := range paths {
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, err
		}
		_, err = fmt.Fprintf(f, "-- %s\n", slug)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func revisionSlug(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
