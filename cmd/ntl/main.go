package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ntloader/internal/app"
	"ntloader/internal/config"
	"ntloader/internal/db"
	"ntloader/internal/domain"
	"ntloader/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "ntl",
	Short: "ntloader CLI",
	Long: `ntloader keeps a local mirror of a remote review project next to a manifest of local edits.
- Mirror: the read-only copy of the remote project, rebuilt by 'ntl fetch'.
- Edit manifest: your links, localization choices, import locks and pending notes, replies and status changes.
- Sync: refreshes remote-owned fields of your edits from the mirror; local fields are never touched.
- Publish: pushes pending edits grouped per remote entity; refused groups stay for you to fix.
- Import tasks: locks that stop two imports from touching the same part of a tree.
- Event log: everything that changed, view with 'ntl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("NTLOADER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(localizeCmd())
	rootCmd.AddCommand(annotateCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(statusChangeCmd())
	rootCmd.AddCommand(replyCmd())
	rootCmd.AddCommand(editsCmd())
	rootCmd.AddCommand(mirrorCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(toolStateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var projectID int64
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default ntloader.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID <= 0 {
				return fmt.Errorf("--project-id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ts, err := a.Engine.Edit.ToolState(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"config": path, "tool_state": ts})
				}
				fmt.Printf("Initialized workspace for project %d (%s)\n", projectID, path)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project-id", 0, "remote project id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error { return fn(ctx, a.Engine) })
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseRefs(args []string) ([]domain.Ref, error) {
	out := make([]domain.Ref, 0, len(args))
	for _, a := range args {
		ref, err := domain.ParseRef(a)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
