package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"ntloader/internal/app"
	"ntloader/internal/domain"
	"ntloader/internal/engine"
	"ntloader/internal/events"
	"ntloader/internal/server"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import locks",
		Long:  "An import task locks part of a tree until it is resolved; overlapping imports are refused.",
	}
	cmd.AddCommand(importAcquireCmd())
	cmd.AddCommand(importResolveCmd())
	cmd.AddCommand(importListCmd())
	return cmd
}

func importAcquireCmd() *cobra.Command {
	var scope domain.Scope
	var stage string
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Take the import lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.AcquireImport(ctx, scope, domain.Stage(stage))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&scope.Tree, "tree", "", "tree the import writes to")
	cmd.Flags().Int64SliceVar(&scope.VersionLinkIDs, "link", nil, "version link ids (default whole tree)")
	cmd.Flags().StringVar(&stage, "stage", string(domain.StageBinImport), "bin_import or timeline_import")
	_ = cmd.MarkFlagRequired("tree")
	return cmd
}

func importResolveCmd() *cobra.Command {
	var state, outcome string
	cmd := &cobra.Command{
		Use:   "resolve ID",
		Short: "Release an import lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.ResolveImport(ctx, id, domain.TaskState(state), outcome)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", string(domain.TaskCompleted), "completed or failed")
	cmd.Flags().StringVar(&outcome, "outcome", "", "free-form outcome")
	return cmd
}

func importListCmd() *cobra.Command {
	var unresolved bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List import tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.Locks.List(ctx, unresolved)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tree", "Links", "Stage", "State", "Done", "Failed"})
				for _, t := range tasks {
					links := "all"
					if len(t.Scope.VersionLinkIDs) > 0 {
						links = fmt.Sprint(t.Scope.VersionLinkIDs)
					}
					tw.AppendRow(table.Row{t.ID, t.Scope.Tree, links, t.Stage, t.State, t.CompletionTally, t.FailureTally})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only tasks holding the lock")
	return cmd
}

func toolStateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "toolstate", Short: "Tool settings stored in the edit manifest"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the tool state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ts, err := e.Edit.ToolState(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(ts)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set NAME VALUE",
		Short: "Select an option value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ts, err := e.SetOption(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(ts.Options)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Restore the configured defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ts, err := e.ResetToolState(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(ts)
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every fetch, sync, conflict, publish group and import lock is journaled next to the edit manifest.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var q events.Query
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListEvents(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Run", "Payload"})
				for _, evt := range items {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += " " + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.RunID, string(evt.Payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&q.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&q.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&q.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&q.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&q.RunID, "run", "", "run id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the executor API",
		Long:  "Serves the HTTP API, reloads the options file on change and runs the periodic validity check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				var authCfg server.AuthConfig
				if env := a.Config.Server.JWTSecretEnv; env != "" {
					authCfg.JWTSecret = os.Getenv(env)
				}
				if authCfg.JWTSecret == "" {
					a.Logger.Warn("serving without authentication", "addr", addr)
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Metrics:  a.Metrics.Handler(),
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return a.WatchOptions(gctx) })
				if interval := a.Config.ValidityInterval(); interval > 0 {
					g.Go(func() error { return a.Engine.RunValidityLoop(gctx, interval) })
				}
				g.Go(func() error {
					<-gctx.Done()
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdown)
				})
				g.Go(func() error {
					fmt.Printf("Serving ntloader API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var write bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := os.Getenv(a.Config.Server.JWTSecretEnv)
				perms := []string{server.PermRead}
				if write {
					perms = append(perms, server.PermWrite)
				}
				tok, err := server.IssueToken(secret, subject, perms...)
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "executor", "token subject")
	cmd.Flags().BoolVar(&write, "write", true, "grant write permission")
	return cmd
}
