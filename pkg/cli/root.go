// Package cli builds the fastmango command line: serving the application,
// managing the database schema and working with registered tools.
//
// Applications embed it to get the same commands for their own models and
// routes:
//
//	func main() {
//		root := cli.NewRootCommand(cli.Options{
//			Name:  "blog",
//			Setup: func(a *app.Application) error { a.Get("/posts", listPosts); return nil },
//		})
//		if err := root.Execute(); err != nil {
//			os.Exit(1)
//		}
//	}
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fastmango/fastmango/internal/config"
	"github.com/fastmango/fastmango/internal/logging"
	"github.com/fastmango/fastmango/internal/migrations"
	"github.com/fastmango/fastmango/pkg/app"
	"github.com/fastmango/fastmango/pkg/orm"
	"github.com/fastmango/fastmango/pkg/tools"
)

// DataMigration is a named, tracked change to rows.
type DataMigration = migrations.DataMigration

// Options configure the root command.
type Options struct {
	// Name is the binary name. Defaults to "fastmango".
	Name    string
	Short   string
	Version string
	// ConfigPath is the default value of --config.
	ConfigPath string

	// AppOptions are passed to app.New by the run command.
	AppOptions []app.Option
	// Setup registers routes and hooks on the application before it runs.
	Setup func(a *app.Application) error
	// Auth mounts the /auth endpoints when auth.jwt_secret is configured.
	Auth bool

	// Tools defaults to tools.Default.
	Tools          *tools.Registry
	DataMigrations []DataMigration
}

type env struct {
	opts       Options
	configPath string
	logLevel   string
	cfg        *config.Config
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "fastmango"
	}
	if opts.Short == "" {
		opts.Short = "Run and manage a fastmango application"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = "fastmango.yaml"
	}
	if opts.Tools == nil {
		opts.Tools = tools.Default
	}
	e := &env{opts: opts}

	root := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Short,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.load()
		},
	}
	root.PersistentFlags().StringVarP(&e.configPath, "config", "c", opts.ConfigPath, "config file")
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		e.runCommand(),
		e.dbCommand(),
		e.toolsCommand(),
		e.adminCommand(),
		e.versionCommand(),
	)
	return root
}

func (e *env) load() error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		cfg.Logging.Level = e.logLevel
	}
	e.cfg = cfg
	return nil
}

// logger writes to stderr so command output on stdout stays parseable.
func (e *env) logger(cmd *cobra.Command) *logging.Logger {
	return logging.NewWithOutput(e.opts.Name, e.cfg.Logging.Level, e.cfg.Logging.Format, cmd.ErrOrStderr())
}

func (e *env) openDB(cmd *cobra.Command) (*orm.DB, error) {
	db := e.cfg.Database
	if db.DSN == "" {
		return nil, fmt.Errorf("database.dsn is not configured")
	}
	sp := newSpinner(cmd.ErrOrStderr(), "connecting to database")
	sp.Start()
	defer sp.Stop()
	return orm.Open(db.Driver, db.DSN, orm.Options{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		PingTimeout:     db.PingTimeout,
		Logger:          e.logger(cmd),
	})
}

func (e *env) runCommand() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the application over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if host != "" {
				e.cfg.Server.Host = host
			}
			if port != 0 {
				e.cfg.Server.Port = port
			}

			opts := append([]app.Option{
				app.WithLogger(e.logger(cmd)),
				app.WithToolRegistry(e.opts.Tools),
			}, e.opts.AppOptions...)
			if e.opts.Auth {
				if e.cfg.Auth.JWTSecret != "" {
					opts = append(opts, app.WithAuth())
				} else {
					newPrinter(cmd.ErrOrStderr()).Warning("auth.jwt_secret not set, /auth endpoints disabled")
				}
			}
			a, err := app.New(e.cfg, opts...)
			if err != nil {
				return err
			}
			if e.opts.Setup != nil {
				if err := e.opts.Setup(a); err != nil {
					_ = a.Shutdown(context.Background())
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

func (e *env) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.opts.Name, e.opts.Version)
		},
	}
}
