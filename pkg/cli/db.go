package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fastmango/fastmango/internal/migrations"
	"github.com/fastmango/fastmango/pkg/orm"
)

func (e *env) dbCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the database schema and data migrations",
	}
	cmd.AddCommand(
		e.dbUpgradeCommand(),
		e.dbDowngradeCommand(),
		e.dbStatusCommand(),
		e.dbRevisionCommand(),
		e.dbCreateTablesCommand(),
		e.dbDocsCommand(),
		e.dbDataMigrateCommand(),
	)
	return cmd
}

func (e *env) runner(cmd *cobra.Command) (*migrations.Runner, error) {
	return migrations.NewRunner(e.cfg.Migrations.Dir, e.cfg.Database.DSN, e.logger(cmd))
}

func (e *env) dbUpgradeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Apply all pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := e.runner(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			start := time.Now()
			if err := r.Up(); err != nil {
				return err
			}
			version, _, err := r.Version()
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).Success("schema at version %d (%s)", version, formatDuration(time.Since(start)))
			return nil
		},
	}
}

func (e *env) dbDowngradeCommand() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "downgrade",
		Short: "Revert schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := e.runner(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			if err := r.Down(steps); err != nil {
				return err
			}
			version, _, err := r.Version()
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).Success("reverted %d migration(s), schema at version %d", steps, version)
			return nil
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to revert")
	return cmd
}

func (e *env) dbStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the schema version and data migration state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newPrinter(cmd.OutOrStdout())

			r, err := e.runner(cmd)
			if err != nil {
				return err
			}
			version, dirty, err := r.Version()
			r.Close()
			if err != nil {
				return err
			}
			if dirty {
				out.Warning("schema at version %d (dirty: a migration failed half way)", version)
			} else {
				out.Info("schema at version %d", version)
			}

			if len(e.opts.DataMigrations) == 0 {
				return nil
			}
			dr, closeDB, err := e.dataRunner(cmd)
			if err != nil {
				return err
			}
			defer closeDB()
			status, err := dr.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range status {
				if s.Applied {
					out.Success("%s (applied %s)", s.Name, s.AppliedAt.Format(time.RFC3339))
				} else {
					out.Warning("%s (pending)", s.Name)
				}
			}
			return nil
		},
	}
}

func (e *env) dbRevisionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revision NAME",
		Short: "Create an empty pair of up/down migration files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := migrations.NewRevision(e.cfg.Migrations.Dir, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := newPrinter(cmd.OutOrStdout())
			for _, p := range paths {
				out.Success("created %s", p)
			}
			return nil
		},
	}
}

func (e *env) dbCreateTablesCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "create-tables",
		Short: "Create missing tables for every registered model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			metas := orm.Models()
			if dryRun {
				d := orm.NewDialect(e.cfg.Database.Driver)
				for _, m := range metas {
					for _, stmt := range migrations.CreateTableStatements(m, d) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s;\n\n", stmt)
					}
				}
				return nil
			}

			db, err := e.openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := migrations.Apply(cmd.Context(), db, metas); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).Success("%d table(s) ensured", len(metas))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the statements instead of running them")
	return cmd
}

func (e *env) dbDocsCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Write markdown documentation of the registered models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc := migrations.SchemaDoc(orm.Models())
			if output == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), doc)
				return err
			}
			if err := os.WriteFile(output, []byte(doc), 0o644); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).Success("wrote %s", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func (e *env) dataRunner(cmd *cobra.Command) (*migrations.DataRunner, func(), error) {
	db, err := e.openDB(cmd)
	if err != nil {
		return nil, nil, err
	}
	r := migrations.NewDataRunner(db, e.logger(cmd))
	for _, m := range e.opts.DataMigrations {
		if err := r.Register(m); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return r, func() { db.Close() }, nil
}

func (e *env) dbDataMigrateCommand() *cobra.Command {
	var rollback bool
	cmd := &cobra.Command{
		Use:   "data-migrate",
		Short: "Apply pending data migrations, or roll back the last one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newPrinter(cmd.OutOrStdout())
			if len(e.opts.DataMigrations) == 0 {
				out.Info("no data migrations registered")
				return nil
			}
			r, closeDB, err := e.dataRunner(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			if rollback {
				name, err := r.RollbackLast(cmd.Context())
				if err != nil {
					return err
				}
				if name == "" {
					out.Info("nothing to roll back")
				} else {
					out.Success("rolled back %s", name)
				}
				return nil
			}

			ran, err := r.RunPending(cmd.Context())
			for _, name := range ran {
				out.Success("applied %s", name)
			}
			if err != nil {
				return err
			}
			if len(ran) == 0 {
				out.Info("data migrations up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "revert the most recently applied data migration")
	return cmd
}
