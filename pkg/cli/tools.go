package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/fastmango/fastmango/internal/httputil"
	"github.com/fastmango/fastmango/pkg/admin"
	"github.com/fastmango/fastmango/pkg/orm"
	"github.com/fastmango/fastmango/pkg/tools"
)

func (e *env) toolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List, call and serve registered tools",
	}
	cmd.AddCommand(e.toolsListCommand(), e.toolsCallCommand(), e.toolsMCPCommand())
	return cmd
}

func (e *env) toolsListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), e.opts.Tools.Infos())
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSCHEDULE\tDESCRIPTION")
			for _, t := range e.opts.Tools.List() {
				schedule := t.Schedule
				if schedule == "" {
					schedule = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, schedule, t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tool schemas as JSON")
	return cmd
}

func (e *env) toolsCallCommand() *cobra.Command {
	var (
		args   string
		remote string
		apiKey string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "call NAME",
		Short: "Invoke a tool locally or on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			name := pos[0]
			if args == "" {
				args = "{}"
			}
			if !gjson.Valid(args) {
				return fmt.Errorf("--args is not valid JSON")
			}

			if remote != "" {
				return e.callRemote(cmd, remote, apiKey, token, name, args)
			}

			var db *orm.DB
			if e.cfg.Database.DSN != "" {
				var err error
				if db, err = e.openDB(cmd); err != nil {
					return err
				}
				defer db.Close()
			}
			result, err := tools.NewInvoker(e.opts.Tools, db, e.logger(cmd)).
				Invoke(cmd.Context(), name, json.RawMessage(args))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVarP(&args, "args", "a", "", "tool arguments as a JSON object")
	cmd.Flags().StringVar(&remote, "remote", "", "base URL of a running server")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for --remote")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for --remote")
	return cmd
}

func (e *env) callRemote(cmd *cobra.Command, base, apiKey, token, name, args string) error {
	client := httputil.NewClient(httputil.ClientConfig{
		BaseURL:      base,
		APIKeyHeader: e.cfg.MCP.APIKeys.Header,
		APIKey:       apiKey,
		Token:        token,
	})
	path := e.cfg.MCP.ProtocolPath + "/tools/" + url.PathEscape(name)
	resp, err := client.Post(cmd.Context(), path, json.RawMessage(args))
	if err != nil {
		return err
	}

	var body struct {
		Result  json.RawMessage `json:"result"`
		Success bool            `json:"success"`
	}
	if err := httputil.DecodeResponse(resp, &body); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), body.Result)
}

func (e *env) toolsMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve registered tools over MCP on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := e.logger(cmd)
			var db *orm.DB
			if e.cfg.Database.DSN != "" {
				var err error
				if db, err = e.openDB(cmd); err != nil {
					return err
				}
				defer db.Close()
			}
			iv := tools.NewInvoker(e.opts.Tools, db, logger)
			s := tools.NewMCPServer(e.cfg.MCP.Name, e.cfg.MCP.Version, e.cfg.MCP.Description, iv)
			logger.WithField("tools", e.opts.Tools.Count()).Info("serving MCP on stdio")
			return server.ServeStdio(s)
		},
	}
}

func (e *env) adminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect the admin API",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List the models the admin API serves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := admin.New(e.cfg.Admin, e.logger(cmd))
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tTABLE\tPATH\tCOLUMNS")
			for _, v := range a.Views() {
				fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\n", v.Name, v.Table, a.Path(), v.Table, len(v.Columns))
			}
			return tw.Flush()
		},
	})
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
