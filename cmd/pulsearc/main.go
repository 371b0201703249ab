package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/app"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/rbac"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pulsearc",
	Short: "PulseArc on-device classification agent",
	Long: `PulseArc turns activity segments into proposed time blocks, matches each
block to a WBS code from the local project registry, gates the result on the
MDM compliance policy, scrubs PII and queues the blocks for sync.

Everything lives under the workspace: pulsearc.yml plus the .pulsearc state
directory holding the SQLite database, the queue snapshot and the audit log.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PULSEARC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("log-level", "", "log level (overrides logging.level)")
	pf.Bool("log-json", false, "log as JSON")
	pf.String("user", "local", "user id recorded in audit entries")
	pf.StringSlice("role", []string{"admin"}, "roles of the local user")
	for _, name := range []string{"workspace", "json", "log-level", "log-json", "user", "role"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(wbsCmd())
	rootCmd.AddCommand(blocksCmd())
	rootCmd.AddCommand(matchCmd())
	rootCmd.AddCommand(piiCmd())
	rootCmd.AddCommand(mdmCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func localUser() rbac.UserContext {
	return rbac.UserContext{UserID: viper.GetString("user"), Roles: viper.GetStringSlice("role")}
}

func openOptions() app.Options {
	return app.Options{LogLevel: viper.GetString("log-level"), LogJSON: viper.GetBool("log-json")}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), openOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// withStarted also runs the engine lifecycle so the queue snapshot is
// restored before fn and persisted after it.
func withStarted(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		c, err := rt.Engine.Start(ctx, version)
		if err != nil {
			return err
		}
		runErr := fn(ctx, rt)
		if err := rt.Engine.Stop(context.WithoutCancel(ctx), c, "cli exit"); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	})
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render prints v as JSON when --json is set and otherwise runs table.
func render(v any, table func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	table()
	return nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}
