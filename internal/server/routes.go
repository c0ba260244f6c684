package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"ntloader/internal/domain"
	"ntloader/internal/engine"
	"ntloader/internal/events"
	"ntloader/internal/merge"
	"ntloader/internal/publish"
	"ntloader/internal/store"
)

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] { return &output[T]{Body: v} }

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Manifest overview",
	}, func(ctx context.Context, _ *struct{}) (*output[engine.Status], error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		st, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})
}

func registerLinks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-version-links",
		Method:      http.MethodGet,
		Path:        "/version-links",
		Summary:     "List version links",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.VersionLink], error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		links, err := listKind[domain.VersionLink](ctx, e, domain.KindVersionLink)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(links), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-version-links",
		Method:        http.MethodPost,
		Path:          "/version-links",
		Summary:       "Link mirror versions, playlists or cuts",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		Body struct {
			Refs          []string `json:"refs" minItems:"1" example:"[\"Version:710\"]"`
			Discriminator string   `json:"discriminator,omitempty"`
		}
	}) (*output[[]domain.VersionLink], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		refs, err := parseRefs(in.Body.Refs)
		if err != nil {
			return nil, err
		}
		links, err := e.LinkVersions(ctx, refs, in.Body.Discriminator)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(links), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-annotation-link",
		Method:        http.MethodPost,
		Path:          "/annotation-links",
		Summary:       "Pin an attachment to a local file",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *struct {
		Body struct {
			AttachmentID int64  `json:"attachment_id" minimum:"1"`
			NoteID       int64  `json:"note_id,omitempty"`
			ReplyIndex   int    `json:"reply_index,omitempty"`
			LocalPath    string `json:"local_path" minLength:"1"`
		}
	}) (*output[domain.AnnotationLink], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		link, err := e.AddAnnotationLink(ctx, domain.AnnotationLink{
			AttachmentID: in.Body.AttachmentID,
			NoteID:       in.Body.NoteID,
			ReplyIndex:   in.Body.ReplyIndex,
			LocalPath:    in.Body.LocalPath,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(link), nil
	})
}

type localizePatch struct {
	Progress   *float64 `json:"progress,omitempty" minimum:"0" maximum:"1"`
	Localized  *bool    `json:"localized,omitempty"`
	TargetPath *string  `json:"target_path,omitempty"`
}

func registerLocalize(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-localize-strategies",
		Method:      http.MethodGet,
		Path:        "/localize-strategies",
		Summary:     "List localization strategies",
	}, func(ctx context.Context, in *struct {
		Pending bool `query:"pending" doc:"only strategies not yet localized or flagged for refresh"`
	}) (*output[[]domain.LocalizeStrategy], error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		items, err := listKind[domain.LocalizeStrategy](ctx, e, domain.KindLocalizeStrategy)
		if err != nil {
			return nil, handleError(err)
		}
		if in.Pending {
			kept := items[:0]
			for _, ls := range items {
				if !ls.Localized || ls.ToRefresh {
					kept = append(kept, ls)
				}
			}
			items = kept
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-localize-strategy",
		Method:        http.MethodPost,
		Path:          "/localize-strategies",
		Summary:       "Choose how a version is localized",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		Body struct {
			VersionID  int64               `json:"version_id" minimum:"1"`
			Type       domain.LocalizeType `json:"type" enum:"download,copy,direct"`
			Source     string              `json:"source,omitempty"`
			TargetPath string              `json:"target_path,omitempty"`
		}
	}) (*output[domain.LocalizeStrategy], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		ls, err := e.SetLocalizeStrategy(ctx, engine.LocalizeRequest{
			VersionID: in.Body.VersionID, Type: in.Body.Type, Source: in.Body.Source, TargetPath: in.Body.TargetPath,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ls), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-localize-strategy",
		Method:      http.MethodPatch,
		Path:        "/localize-strategies/{id}",
		Summary:     "Report localization progress",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body localizePatch
	}) (*output[domain.LocalizeStrategy], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		ls, err := e.UpdateLocalizeProgress(ctx, in.ID, engine.LocalizeUpdate(in.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ls), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-localize-strategy",
		Method:      http.MethodPost,
		Path:        "/localize-strategies/{id}/complete",
		Summary:     "Mark a version as localized",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body struct {
			TargetPath string `json:"target_path,omitempty"`
		}
	}) (*output[domain.LocalizeStrategy], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		ls, err := e.CompleteLocalization(ctx, in.ID, in.Body.TargetPath)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ls), nil
	})
}

func registerEdits(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-edits",
		Method:      http.MethodGet,
		Path:        "/edits",
		Summary:     "List edits waiting for publish",
	}, func(ctx context.Context, _ *struct{}) (*output[[]store.Document], error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		docs, err := e.PendingEdits(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if docs == nil {
			docs = []store.Document{}
		}
		return reply(docs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "discard-edit",
		Method:        http.MethodDelete,
		Path:          "/edits/{id}",
		Summary:       "Discard a pending edit",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		ID int64 `path:"id" minimum:"1"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		if err := e.DiscardEdit(ctx, in.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-note",
		Method:        http.MethodPost,
		Path:          "/notes",
		Summary:       "Queue a note on a mirror entity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		Body struct {
			Target  string   `json:"target" example:"Version:710"`
			Subject string   `json:"subject,omitempty"`
			Body    string   `json:"body" minLength:"1"`
			Images  []string `json:"images,omitempty"`
		}
	}) (*output[domain.NewNote], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		ref, err := parseRef(in.Body.Target)
		if err != nil {
			return nil, err
		}
		n, err := e.AddNote(ctx, engine.NoteRequest{Target: ref, Subject: in.Body.Subject, Body: in.Body.Body, Images: in.Body.Images})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(n), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-status",
		Method:      http.MethodPost,
		Path:        "/status-changes",
		Summary:     "Queue a status change",
		Description: "Choosing the current remote status withdraws any pending change; the placeholder status is ignored.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		Body struct {
			Target    string `json:"target" example:"Version:710"`
			NewStatus string `json:"new_status" example:"apr"`
			Parent    string `json:"parent,omitempty" example:"Playlist:90"`
		}
	}) (*output[*domain.StatusChange], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		ref, err := parseRef(in.Body.Target)
		if err != nil {
			return nil, err
		}
		var parent domain.Ref
		if in.Body.Parent != "" {
			if parent, err = parseRef(in.Body.Parent); err != nil {
				return nil, err
			}
		}
		sc, err := e.ChangeStatus(ctx, engine.StatusRequest{Target: ref, NewStatus: in.Body.NewStatus, Parent: parent})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(sc), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-reply",
		Method:        http.MethodPost,
		Path:          "/replies",
		Summary:       "Queue a reply to a remote note",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		Body struct {
			NoteID int64    `json:"note_id" minimum:"1"`
			Body   string   `json:"body" minLength:"1"`
			Images []string `json:"images,omitempty"`
		}
	}) (*output[domain.NoteReply], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		r, err := e.AddReply(ctx, engine.ReplyRequest{NoteID: in.Body.NoteID, Body: in.Body.Body, Images: in.Body.Images})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})
}

func registerImportTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-import-tasks",
		Method:      http.MethodGet,
		Path:        "/import-tasks",
		Summary:     "List import tasks",
	}, func(ctx context.Context, in *struct {
		Unresolved bool `query:"unresolved"`
	}) (*output[[]domain.ImportTask], error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		tasks, err := e.Locks.List(ctx, in.Unresolved)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.ImportTask{}
		}
		return reply(tasks), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "acquire-import",
		Method:        http.MethodPost,
		Path:          "/import-tasks",
		Summary:       "Take the import lock for a scope",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, in *struct {
		Body struct {
			Scope domain.Scope `json:"scope"`
			Stage domain.Stage `json:"stage" enum:"bin_import,timeline_import"`
		}
	}) (*output[domain.ImportTask], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		t, err := e.AcquireImport(ctx, in.Body.Scope, in.Body.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tally-import",
		Method:      http.MethodPost,
		Path:        "/import-tasks/{id}/tally",
		Summary:     "Count one imported item",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, in *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body struct {
			OK bool `json:"ok"`
		}
	}) (*output[domain.ImportTask], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		t, err := e.Locks.Tally(ctx, in.ID, in.Body.OK)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-import",
		Method:      http.MethodPost,
		Path:        "/import-tasks/{id}/resolve",
		Summary:     "Release the import lock",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, in *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body struct {
			State   domain.TaskState `json:"state" enum:"completed,failed"`
			Outcome string           `json:"outcome,omitempty"`
		}
	}) (*output[domain.ImportTask], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		t, err := e.ResolveImport(ctx, in.ID, in.Body.State, in.Body.Outcome)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerRuns(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "fetch",
		Method:      http.MethodPost,
		Path:        "/fetch",
		Summary:     "Download the project and synchronize",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*output[engine.SyncReport], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		rep, err := e.Fetch(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Synchronize the edit manifest from the mirror",
	}, func(ctx context.Context, _ *struct{}) (*output[engine.SyncReport], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		rep, err := e.Synchronize(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish",
		Method:      http.MethodPost,
		Path:        "/publish",
		Summary:     "Push pending edits to the remote",
		Description: "Groups are accepted or refused independently; the result lists each group.",
	}, func(ctx context.Context, _ *struct{}) (*output[publish.Result], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		res, err := e.Publish(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check",
		Method:      http.MethodPost,
		Path:        "/check",
		Summary:     "Run the validity check",
	}, func(ctx context.Context, _ *struct{}) (*output[merge.Report], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		rep, err := e.CheckValidity(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})
}

// Runs reports the background operations the API can start.
var Runs = []string{"fetch", "sync", "publish", "check"}

func startRun(ctx context.Context, e *engine.Engine, name string) (*engine.Operation, bool) {
	var fn func(context.Context) (any, error)
	switch name {
	case "fetch":
		fn = func(ctx context.Context) (any, error) { return e.Fetch(ctx) }
	case "sync":
		fn = func(ctx context.Context) (any, error) { return e.Synchronize(ctx) }
	case "publish":
		fn = func(ctx context.Context) (any, error) { return e.Publish(ctx) }
	case "check":
		fn = func(ctx context.Context) (any, error) { return e.CheckValidity(ctx) }
	default:
		return nil, false
	}
	return e.Go(ctx, name, fn), true
}

func registerOperations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-operation",
		Method:        http.MethodPost,
		Path:          "/operations",
		Summary:       "Start a fetch, sync, publish or check in the background",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, in *struct {
		Body struct {
			Name string `json:"name" enum:"fetch,sync,publish,check"`
		}
	}) (*output[engine.OperationInfo], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		op, ok := startRun(ctx, e, in.Body.Name)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown operation "+in.Body.Name, nil)
		}
		return reply(op.Info()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List background operations",
	}, func(ctx context.Context, _ *struct{}) (*output[[]engine.OperationInfo], error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		return reply(e.Operations()), nil
	})

	type opPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{id}",
		Summary:     "Get a background operation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, in *opPath) (*output[engine.OperationInfo], error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		op, ok := e.Operation(in.ID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "operation "+in.ID+" not found", nil)
		}
		return reply(op.Info()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-operation",
		Method:      http.MethodDelete,
		Path:        "/operations/{id}",
		Summary:     "Cancel a background operation",
		Description: "Work not yet committed is abandoned; the manifests stay as they were.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, in *opPath) (*output[engine.OperationInfo], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		op, ok := e.Operation(in.ID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "operation "+in.ID+" not found", nil)
		}
		op.Cancel()
		select {
		case <-op.Done():
		case <-ctx.Done():
		}
		return reply(op.Info()), nil
	})
}

func registerToolState(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-tool-state",
		Method:      http.MethodGet,
		Path:        "/tool-state",
		Summary:     "Read the tool state",
	}, func(ctx context.Context, _ *struct{}) (*output[domain.ToolState], error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		ts, err := e.Edit.ToolState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ts), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-option",
		Method:      http.MethodPut,
		Path:        "/tool-state/options/{name}",
		Summary:     "Select an option value",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, in *struct {
		Name string `path:"name"`
		Body struct {
			Value string `json:"value"`
		}
	}) (*output[domain.ToolState], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		ts, err := e.SetOption(ctx, in.Name, in.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ts), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-tool-state",
		Method:      http.MethodPost,
		Path:        "/tool-state/reset",
		Summary:     "Restore the configured defaults",
	}, func(ctx context.Context, _ *struct{}) (*output[domain.ToolState], error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		ts, err := e.ResetToolState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ts), nil
	})
}

type paginatedEvents struct {
	Items      []events.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List journal events, newest first",
		Description: "Pass after to follow the journal in ascending order.",
	}, func(ctx context.Context, in *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		RunID      string `query:"run_id"`
		Before     int64  `query:"before"`
		After      int64  `query:"after"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*output[paginatedEvents], error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		items, err := e.ListEvents(ctx, events.Query{
			Type: in.Type, EntityKind: in.EntityKind, EntityID: in.EntityID, RunID: in.RunID,
			Before: in.Before, After: in.After, Limit: in.Limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []events.Event{}}
		if len(items) > in.Limit {
			items = items[:in.Limit]
			resp.NextCursor = items[len(items)-1].ID
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
	})
}

func listKind[T any](ctx context.Context, e *engine.Engine, kind domain.Kind) ([]T, error) {
	docs, err := e.Edit.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := store.Decode(d, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseRef(s string) (domain.Ref, error) {
	ref, err := domain.ParseRef(strings.TrimSpace(s))
	if err != nil {
		return domain.Ref{}, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"ref": s})
	}
	return ref, nil
}

func parseRefs(in []string) ([]domain.Ref, error) {
	out := make([]domain.Ref, 0, len(in))
	for _, s := range in {
		ref, err := parseRef(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}
