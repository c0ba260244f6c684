package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ntloader/internal/domain"
	"ntloader/internal/engine"
)

func linkCmd() *cobra.Command {
	var discriminator string
	cmd := &cobra.Command{
		Use:   "link Type:ID...",
		Short: "Link mirror versions, playlists or cuts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseRefs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				links, err := e.LinkVersions(ctx, refs, discriminator)
				if err != nil {
					return err
				}
				return printJSONOrTable(links)
			})
		},
	}
	cmd.Flags().StringVar(&discriminator, "discriminator", "", "separates several links to the same entity")
	return cmd
}

func localizeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "localize", Short: "Manage version localization"}
	cmd.AddCommand(localizeSetCmd())
	cmd.AddCommand(localizeListCmd())
	cmd.AddCommand(localizeProgressCmd())
	cmd.AddCommand(localizeCompleteCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "mark-refresh",
		Short: "Flag localized versions that changed remotely",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ids, err := e.MarkForRefresh(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"marked": ids})
			})
		},
	})
	return cmd
}

func localizeSetCmd() *cobra.Command {
	var req engine.LocalizeRequest
	var typ string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Choose how a version is localized",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = domain.LocalizeType(typ)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ls, err := e.SetLocalizeStrategy(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(ls)
			})
		},
	}
	cmd.Flags().Int64Var(&req.VersionID, "version", 0, "version id")
	cmd.Flags().StringVar(&typ, "type", string(domain.LocalizeDownload), "download, copy or direct")
	cmd.Flags().StringVar(&req.Source, "source", "", "source path or url (default from the version media fields)")
	cmd.Flags().StringVar(&req.TargetPath, "target", "", "local target path")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func localizeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List localization strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				docs, err := e.Edit.List(ctx, domain.KindLocalizeStrategy)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Code", "Type", "Progress", "Localized", "Refresh", "Target"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d["id"], d["version_id"], d["version_code"], d["type"], d["progress"], d["localized"], d["to_refresh"], d["target_path"]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func localizeProgressCmd() *cobra.Command {
	var progress float64
	cmd := &cobra.Command{
		Use:   "progress ID",
		Short: "Record localization progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ls, err := e.UpdateLocalizeProgress(ctx, id, engine.LocalizeUpdate{Progress: &progress})
				if err != nil {
					return err
				}
				return printJSONOrTable(ls)
			})
		},
	}
	cmd.Flags().Float64Var(&progress, "progress", 0, "progress between 0 and 1")
	return cmd
}

func localizeCompleteCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "complete ID",
		Short: "Mark a version as localized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ls, err := e.CompleteLocalization(ctx, id, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(ls)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "local path of the localized media")
	return cmd
}

func annotateCmd() *cobra.Command {
	var link domain.AnnotationLink
	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Pin a downloaded attachment to a local file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				out, err := e.AddAnnotationLink(ctx, link)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().Int64Var(&link.AttachmentID, "attachment", 0, "attachment id")
	cmd.Flags().Int64Var(&link.NoteID, "note", 0, "note id")
	cmd.Flags().IntVar(&link.ReplyIndex, "reply-index", 0, "reply index within the note")
	cmd.Flags().StringVar(&link.LocalPath, "path", "", "local file")
	return cmd
}

func noteCmd() *cobra.Command {
	var req engine.NoteRequest
	cmd := &cobra.Command{
		Use:   "note Type:ID",
		Short: "Queue a note on a mirror entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseRefs(args)
			if err != nil {
				return err
			}
			req.Target = refs[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.AddNote(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&req.Subject, "subject", "", "subject (default from the configured prefix)")
	cmd.Flags().StringVar(&req.Body, "body", "", "note body")
	cmd.Flags().StringSliceVar(&req.Images, "image", nil, "annotation image to attach")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func statusChangeCmd() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "status-change Type:ID STATUS",
		Short: "Queue a status change",
		Long:  "Setting the current remote status withdraws a pending change; '---' does nothing.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseRefs(args[:1])
			if err != nil {
				return err
			}
			req := engine.StatusRequest{Target: refs[0], NewStatus: args[1]}
			if parent != "" {
				if req.Parent, err = domain.ParseRef(parent); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sc, err := e.ChangeStatus(ctx, req)
				if err != nil {
					return err
				}
				if sc == nil {
					if !viper.GetBool("json") {
						fmt.Println("No status change pending for", req.Target)
						return nil
					}
				}
				return printJSONOrTable(sc)
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "parent entity, e.g. Playlist:90")
	return cmd
}

func replyCmd() *cobra.Command {
	var req engine.ReplyRequest
	cmd := &cobra.Command{
		Use:   "reply NOTE_ID",
		Short: "Queue a reply to a remote note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req.NoteID = id
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				r, err := e.AddReply(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&req.Body, "body", "", "reply body")
	cmd.Flags().StringSliceVar(&req.Images, "image", nil, "annotation image to attach")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func editsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "edits", Short: "Pending edits"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List edits waiting for publish",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				docs, err := e.PendingEdits(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Target", "Summary"})
				for _, d := range docs {
					target := fmt.Sprintf("%v:%v", d["target_type"], d["target_id"])
					summary := d.String("subject")
					switch domain.Kind(d.String("kind")) {
					case domain.KindStatusChange:
						summary = d.String("current_status") + " -> " + d.String("new_status")
					case domain.KindNoteReply:
						target = fmt.Sprintf("Note:%v", d["note_id"])
						summary = d.String("body")
					}
					tw.AppendRow(table.Row{d["id"], d["kind"], target, summary})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "discard ID",
		Short: "Drop a pending edit without publishing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DiscardEdit(ctx, id)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Back up and remove every edit except the tool state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, loc, err := e.ClearEdits(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"removed": n, "backup": loc})
			})
		},
	})
	return cmd
}

func mirrorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mirror", Short: "Mirror manifest"}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Back up and empty the mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				loc, err := e.ClearMirror(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"backup": loc})
			})
		},
	})
	return cmd
}
