package migrations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/pkg/orm"
)

var (
	// ErrIrreversible is returned when rolling back a data migration without
	// a Down function.
	ErrIrreversible = errors.New("migrations: data migration is irreversible")

	// ErrUnknownMigration is returned when the last applied migration is not
	// registered with the runner.
	ErrUnknownMigration = errors.New("migrations: unknown data migration")
)

// DataMigration changes rows rather than schema. Up and Down run with a
// session installed in ctx, so model managers can be used directly.
type DataMigration struct {
	Name        string
	Description string
	Up          func(ctx context.Context) error
	Down        func(ctx context.Context) error
}

// appliedMigration records one applied data migration.
type appliedMigration struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name" orm:"unique,size=255"`
	AppliedAt time.Time `db:"applied_at"`
}

func (appliedMigration) TableName() string { return "fastmango_data_migrations" }

func (appliedMigration) AdminExclude() bool { return true }

var appliedMigrations = orm.Register[appliedMigration]()

// MigrationStatus reports whether a registered data migration has run.
type MigrationStatus struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Applied     bool       `json:"applied"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
}

// DataRunner applies registered data migrations in registration order and
// tracks them in the fastmango_data_migrations table.
type DataRunner struct {
	db     *orm.DB
	logger *logging.Logger

	mu         sync.Mutex
	migrations []DataMigration
}

// NewDataRunner creates a runner over db.
func NewDataRunner(db *orm.DB, logger *logging.Logger) *DataRunner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &DataRunner{db: db, logger: logger}
}

// Register adds a migration. Names must be unique.
func (r *DataRunner) Register(m DataMigration) error {
	if m.Name == "" {
		return fmt.Errorf("data migration name is required")
	}
	if m.Up == nil {
		return fmt.Errorf("data migration %s has no Up function", m.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.migrations {
		if existing.Name == m.Name {
			return fmt.Errorf("data migration %s already registered", m.Name)
		}
	}
	r.migrations = append(r.migrations, m)
	return nil
}

func (r *DataRunner) registered() []DataMigration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DataMigration(nil), r.migrations...)
}

func (r *DataRunner) ensureTable(ctx context.Context) error {
	for _, stmt := range CreateTableStatements(appliedMigrations.Meta(), r.db.Dialect()) {
		if _, err := r.db.X().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create data migration table: %w", err)
		}
	}
	return nil
}

// RunPending applies every registered migration not applied yet and returns
// the names applied. It stops at the first failure; migrations applied
// before it stay recorded.
func (r *DataRunner) RunPending(ctx context.Context) ([]string, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}

	var ran []string
	for _, m := range r.registered() {
		m := m
		err := r.db.Scope(ctx, func(ctx context.Context) error {
			rec, err := appliedMigrations.Get(ctx, orm.Fields{"name": m.Name})
			if err != nil || rec != nil {
				return err
			}

			start := time.Now()
			if err := m.Up(ctx); err != nil {
				return fmt.Errorf("data migration %s: %w", m.Name, err)
			}
			if _, err := appliedMigrations.Create(ctx, orm.Fields{
				"name":       m.Name,
				"applied_at": time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("record data migration %s: %w", m.Name, err)
			}

			ran = append(ran, m.Name)
			r.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"migration": m.Name,
				"duration":  time.Since(start).String(),
			}).Info("data migration applied")
			return nil
		})
		if err != nil {
			return ran, err
		}
	}
	return ran, nil
}

// RollbackLast reverts the most recently applied migration and returns its
// name, or "" when nothing is applied.
func (r *DataRunner) RollbackLast(ctx context.Context) (string, error) {
	if err := r.ensureTable(ctx); err != nil {
		return "", err
	}

	var name string
	err := r.db.Scope(ctx, func(ctx context.Context) error {
		recs, err := appliedMigrations.All(ctx)
		if err != nil || len(recs) == 0 {
			return err
		}
		last := recs[len(recs)-1]

		m, ok := r.find(last.Name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownMigration, last.Name)
		}
		if m.Down == nil {
			return fmt.Errorf("%w: %s", ErrIrreversible, last.Name)
		}
		if err := m.Down(ctx); err != nil {
			return fmt.Errorf("rollback data migration %s: %w", last.Name, err)
		}
		if err := appliedMigrations.Delete(ctx, &last); err != nil {
			return err
		}

		name = last.Name
		r.logger.WithContext(ctx).WithField("migration", name).Info("data migration rolled back")
		return nil
	})
	return name, err
}

// Status lists every registered migration with its applied state, in
// registration order.
func (r *DataRunner) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}

	var recs []appliedMigration
	err := r.db.Scope(ctx, func(ctx context.Context) error {
		var err error
		recs, err = appliedMigrations.All(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	appliedAt := make(map[string]time.Time, len(recs))
	for _, rec := range recs {
		appliedAt[rec.Name] = rec.AppliedAt
	}

	migrations := r.registered()
	out := make([]MigrationStatus, len(migrations))
	for i, m := range migrations {
		out[i] = MigrationStatus{Name: m.Name, Description: m.Description}
		if at, ok := appliedAt[m.Name]; ok {
			at := at
			out[i].Applied = true
			out[i].AppliedAt = &at
		}
	}
	return out, nil
}

func (r *DataRunner) find(name string) (DataMigration, bool) {
	for _, m := range r.registered() {
		if m.Name == name {
			return m, true
		}
	}
	return DataMigration{}, false
}
