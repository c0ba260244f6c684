package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ntloader/internal/engine"
	"ntloader/internal/publish"
)

func printSyncReport(rep engine.SyncReport) error {
	if viper.GetBool("json") {
		return printJSON(rep)
	}
	fmt.Printf("Run %s: %d mirror entities, %d refreshed, %d conflicts ignored, %d dangling\n",
		rep.RunID, rep.Entities, len(rep.Changed), len(rep.Conflicts), len(rep.Dangling))
	for _, c := range rep.Conflicts {
		fmt.Printf("  conflict %s %d %s: local %v replaced by %v\n", c.Kind, c.ID, c.Field, c.Local, c.Remote)
	}
	for _, d := range rep.Dangling {
		fmt.Printf("  dangling %s %d -> %s\n", d.Kind, d.ID, d.Ref)
	}
	return nil
}

func fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download the project into the mirror and synchronize",
		Long:  "Rebuilds the mirror from the remote and refreshes your edits. Interrupting before the write leaves both manifests untouched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.Fetch(ctx)
				if err != nil {
					return err
				}
				return printSyncReport(rep)
			})
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh edits from the current mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.Synchronize(ctx)
				if err != nil {
					return err
				}
				return printSyncReport(rep)
			})
		},
	}
}

func refreshCmd() *cobra.Command {
	var entityType string
	var ids []int64
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refetch individual remote entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.RefreshEntities(ctx, entityType, ids)
				if err != nil {
					return err
				}
				return printSyncReport(rep)
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "Version", "remote entity type")
	cmd.Flags().Int64SliceVar(&ids, "id", nil, "entity ids")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show mirror, edits and linked versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Project: %d\n", st.ProjectID)
				fmt.Printf("Last sync: %s  Pending: %d  Import locks: %d\n", orNone(st.LastSyncAt), st.Pending, st.UnresolvedTasks)
				if st.ResyncRequired {
					fmt.Printf("Resync required (%d issues); run 'ntl fetch'\n", st.DriftCount)
				}
				fmt.Printf("Mirror: %s\n", counts(st.Mirror))
				fmt.Printf("Edits:  %s\n", counts(st.Edit))
				if len(st.Links) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Target", "Name", "Status", "Localized", "Edits", "Sync"})
				for _, l := range st.Links {
					tw.AppendRow(table.Row{l.ID, l.Target, l.Name, l.Status, l.Localized, l.Edits, l.SyncState})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify both stores and report drift without repairing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.CheckValidity(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") || !rep.Clean() {
					return printJSONOrTable(rep)
				}
				fmt.Println("Manifests are consistent")
				return nil
			})
		},
	}
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Push pending notes, replies and status changes",
		Long:  "Each remote entity is one group; accepted groups are removed locally, refused ones stay with the reason.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Publish(ctx)
				if err != nil && len(res.Groups) == 0 {
					return err
				}
				if viper.GetBool("json") {
					if perr := printJSON(res); perr != nil {
						return perr
					}
					return err
				}
				if len(res.Groups) == 0 {
					fmt.Println("Nothing to publish")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Target", "Edits", "Status", "Reason"})
				for _, g := range res.Groups {
					tw.AppendRow(table.Row{g.Target.Key(), len(g.EditIDs), g.Status, g.Reason})
				}
				tw.Render()
				fmt.Printf("%d accepted, %d rejected, %d unavailable\n",
					res.Count(publish.StatusAccepted), res.Count(publish.StatusRejected), res.Count(publish.StatusUnavailable))
				return err
			})
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "never"
	}
	return s
}

func counts(m map[string]int) string {
	if len(m) == 0 {
		return "empty"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}
