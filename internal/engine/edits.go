package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ntloader/internal/backup"
	"ntloader/internal/domain"
	"ntloader/internal/events"
	"ntloader/internal/manifest"
	"ntloader/internal/merge"
	"ntloader/internal/store"
)

var linkableTypes = map[string]bool{"Version": true, "Playlist": true, "Cut": true}

// LinkVersions creates a VersionLink for every mirror entity in refs. An existing link for the
// same entity and discriminator is returned instead of a duplicate.
func (e *Engine) LinkVersions(ctx context.Context, refs []domain.Ref, discriminator string) ([]domain.VersionLink, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no entities to link", ErrInvalid)
	}
	targets := make([]manifest.Entity, len(refs))
	for i, ref := range refs {
		if !linkableTypes[ref.Type] {
			return nil, fmt.Errorf("%w: %s cannot be linked", ErrInvalid, ref)
		}
		ent, err := e.target(ctx, ref)
		if err != nil {
			return nil, err
		}
		targets[i] = ent
	}
	var out []domain.VersionLink
	err := e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		for i, ref := range refs {
			existing, err := findLink(tx, ref, discriminator)
			if err != nil {
				return err
			}
			if existing != nil {
				out = append(out, *existing)
				continue
			}
			link := domain.VersionLink{
				Base:          domain.Base{Kind: domain.KindVersionLink},
				MirrorType:    ref.Type,
				MirrorID:      ref.ID,
				Discriminator: discriminator,
				VersionIDs:    []int64{},
			}
			if err := e.createRefreshed(ctx, tx, &link, targets[i]); err != nil {
				return err
			}
			out = append(out, link)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// findLink returns the link for ref and discriminator, or nil. An empty discriminator is
// stored as an absent field, so the comparison is done on the decoded value.
func findLink(tx *manifest.EditTx, ref domain.Ref, discriminator string) (*domain.VersionLink, error) {
	docs, err := tx.List(domain.KindVersionLink, store.Eq("mirror_type", ref.Type), store.Eq("mirror_id", ref.ID))
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if d.String("discriminator") != discriminator {
			continue
		}
		var link domain.VersionLink
		if err := store.Decode(d, &link); err != nil {
			return nil, err
		}
		return &link, nil
	}
	return nil, nil
}

// LocalizeRequest asks for a version's media to be materialized.
type LocalizeRequest struct {
	VersionID  int64
	Type       domain.LocalizeType
	Source     string
	TargetPath string
}

// SetLocalizeStrategy records how a version is localized. A version has at most one strategy:
// a new one replaces the previous.
func (e *Engine) SetLocalizeStrategy(ctx context.Context, req LocalizeRequest) (domain.LocalizeStrategy, error) {
	switch req.Type {
	case domain.LocalizeDownload, domain.LocalizeCopy, domain.LocalizeDirect:
	default:
		return domain.LocalizeStrategy{}, fmt.Errorf("%w: localize type %q", ErrInvalid, req.Type)
	}
	ver, err := e.target(ctx, domain.Ref{Type: "Version", ID: req.VersionID})
	if err != nil {
		return domain.LocalizeStrategy{}, err
	}
	source := req.Source
	if source == "" {
		source = e.mediaSource(ver, req.Type)
	}
	if source == "" {
		return domain.LocalizeStrategy{}, fmt.Errorf("%w: version %d has no media for %s", ErrInvalid, req.VersionID, req.Type)
	}
	ls := domain.LocalizeStrategy{
		Base:       domain.Base{Kind: domain.KindLocalizeStrategy},
		VersionID:  req.VersionID,
		Type:       req.Type,
		Source:     source,
		TargetPath: req.TargetPath,
	}
	err = e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		old, err := tx.List(domain.KindLocalizeStrategy, store.Eq("version_id", req.VersionID))
		if err != nil {
			return err
		}
		for _, d := range old {
			id, _ := d.Int64("id")
			if err := tx.Delete(id); err != nil {
				return err
			}
		}
		if err := e.createRefreshed(ctx, tx, &ls, ver); err != nil {
			return err
		}
		links, err := tx.List(domain.KindVersionLink, store.Eq("mirror_type", "Version"), store.Eq("mirror_id", req.VersionID))
		if err != nil {
			return err
		}
		for _, d := range links {
			id, _ := d.Int64("id")
			d["localize_strategy_id"] = float64(ls.ID)
			if err := tx.PutDoc(id, d); err != nil {
				return err
			}
		}
		return nil
	})
	return ls, err
}

// LocalizeUpdate is the write-back of a localization executor. Nil fields are left alone.
type LocalizeUpdate struct {
	Progress   *float64
	Localized  *bool
	TargetPath *string
}

// UpdateLocalizeProgress applies executor progress to a strategy.
func (e *Engine) UpdateLocalizeProgress(ctx context.Context, id int64, u LocalizeUpdate) (domain.LocalizeStrategy, error) {
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 1) {
		return domain.LocalizeStrategy{}, fmt.Errorf("%w: progress must be within [0,1]", ErrInvalid)
	}
	return e.mutateStrategy(ctx, id, func(ls *domain.LocalizeStrategy) {
		if u.Progress != nil {
			ls.Progress = *u.Progress
		}
		if u.Localized != nil {
			ls.Localized = *u.Localized
		}
		if u.TargetPath != nil {
			ls.TargetPath = *u.TargetPath
		}
	})
}

// CompleteLocalization marks a strategy as fully localized at targetPath.
func (e *Engine) CompleteLocalization(ctx context.Context, id int64, targetPath string) (domain.LocalizeStrategy, error) {
	return e.mutateStrategy(ctx, id, func(ls *domain.LocalizeStrategy) {
		ls.Localized = true
		ls.Progress = 1
		ls.ToRefresh = false
		if targetPath != "" {
			ls.TargetPath = targetPath
		}
	})
}

// MarkForRefresh flags localized strategies whose version changed remotely since localization.
func (e *Engine) MarkForRefresh(ctx context.Context) ([]int64, error) {
	mirror, err := e.Mirror.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var marked []int64
	err = e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		docs, err := tx.List(domain.KindLocalizeStrategy, store.Eq("localized", true))
		if err != nil {
			return err
		}
		for _, d := range docs {
			if merge.SyncState(d, mirror) != merge.StateBehind {
				continue
			}
			id, _ := d.Int64("id")
			d["to_refresh"] = true
			if err := tx.PutDoc(id, d); err != nil {
				return err
			}
			marked = append(marked, id)
		}
		return nil
	})
	return marked, err
}

func (e *Engine) mutateStrategy(ctx context.Context, id int64, fn func(*domain.LocalizeStrategy)) (domain.LocalizeStrategy, error) {
	var ls domain.LocalizeStrategy
	err := e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		if err := tx.Get(id, &ls); err != nil {
			return err
		}
		if ls.Kind != domain.KindLocalizeStrategy {
			return fmt.Errorf("localize strategy %d: %w", id, store.ErrNotFound)
		}
		fn(&ls)
		if err := tx.Save(&ls); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.SQL(), events.TypeEditUpdate, string(ls.Kind), strconv.FormatInt(id, 10), "",
			events.EventPayload{"progress": ls.Progress, "localized": ls.Localized})
	})
	return ls, err
}

// mediaSource picks the version field matching the localization type.
func (e *Engine) mediaSource(ver manifest.Entity, typ domain.LocalizeType) string {
	mf := e.Config.Localize.MediaFields
	var fields []string
	switch typ {
	case domain.LocalizeDownload:
		fields = []string{mf.Encoded}
	case domain.LocalizeCopy:
		fields = []string{mf.Movie, mf.ImageSequence}
	case domain.LocalizeDirect:
		fields = []string{mf.ImageSequence, mf.Movie}
	}
	for _, f := range fields {
		if f == "" {
			continue
		}
		switch v := ver[f].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			for _, k := range []string{"url", "local_path"} {
				if s, ok := v[k].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// AddAnnotationLink pins a downloaded attachment to a local file. An attachment has one link;
// linking it again moves it.
func (e *Engine) AddAnnotationLink(ctx context.Context, link domain.AnnotationLink) (domain.AnnotationLink, error) {
	if link.AttachmentID <= 0 || link.LocalPath == "" {
		return link, fmt.Errorf("%w: attachment id and local path are required", ErrInvalid)
	}
	link.Kind = domain.KindAnnotationLink
	err := e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		existing, err := tx.List(domain.KindAnnotationLink, store.Eq("attachment_id", link.AttachmentID))
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			var cur domain.AnnotationLink
			if err := store.Decode(existing[0], &cur); err != nil {
				return err
			}
			link.Base = cur.Base
			return tx.Save(&link)
		}
		return e.create(ctx, tx, &link)
	})
	return link, err
}

// NoteRequest describes a new note on a mirror entity.
type NoteRequest struct {
	Target  domain.Ref
	Subject string
	Body    string
	Images  []string
}

// AddNote queues a note for publish. An empty subject becomes the configured prefix followed by
// the target name.
func (e *Engine) AddNote(ctx context.Context, req NoteRequest) (domain.NewNote, error) {
	if strings.TrimSpace(req.Body) == "" {
		return domain.NewNote{}, fmt.Errorf("%w: note body is required", ErrInvalid)
	}
	ent, err := e.target(ctx, req.Target)
	if err != nil {
		return domain.NewNote{}, err
	}
	subject := req.Subject
	if subject == "" {
		subject = e.Config.Publish.NoteSubjectPrefix + displayName(ent)
	}
	n := domain.NewNote{
		Base:       domain.Base{Kind: domain.KindNewNote},
		TargetType: req.Target.Type,
		TargetID:   req.Target.ID,
		Subject:    subject,
		Body:       req.Body,
		Images:     req.Images,
	}
	err = e.Edit.Update(ctx, func(tx *manifest.EditTx) error { return e.createRefreshed(ctx, tx, &n, ent) })
	return n, err
}

// StatusRequest asks to move a mirror entity to a new status.
type StatusRequest struct {
	Target    domain.Ref
	NewStatus string
	Parent    domain.Ref
}

// ChangeStatus queues a status change. A target has at most one pending change: the newest
// replaces the older one, and choosing the current remote status withdraws it. The placeholder
// status does nothing. The returned change is nil when nothing is pending afterwards.
func (e *Engine) ChangeStatus(ctx context.Context, req StatusRequest) (*domain.StatusChange, error) {
	if req.NewStatus == domain.StatusPlaceholder {
		return nil, nil
	}
	if req.NewStatus == "" {
		return nil, fmt.Errorf("%w: new status is required", ErrInvalid)
	}
	ent, err := e.target(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	var result *domain.StatusChange
	err = e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		ts, err := tx.ToolState()
		if err != nil {
			return err
		}
		if !ts.StatusAllowed(req.Target.Type, req.NewStatus) {
			return fmt.Errorf("%w: status %q is not valid for %s", ErrInvalid, req.NewStatus, req.Target.Type)
		}
		old, err := tx.List(domain.KindStatusChange, store.Eq("target_type", req.Target.Type), store.Eq("target_id", req.Target.ID))
		if err != nil {
			return err
		}
		for _, d := range old {
			id, _ := d.Int64("id")
			if err := tx.Delete(id); err != nil {
				return err
			}
		}
		if ent.String("sg_status_list") == req.NewStatus {
			return nil
		}
		sc := domain.StatusChange{
			Base:       domain.Base{Kind: domain.KindStatusChange},
			TargetType: req.Target.Type,
			TargetID:   req.Target.ID,
			ParentType: req.Parent.Type,
			ParentID:   req.Parent.ID,
			NewStatus:  req.NewStatus,
		}
		if err := e.createRefreshed(ctx, tx, &sc, ent); err != nil {
			return err
		}
		result = &sc
		return nil
	})
	return result, err
}

// ReplyRequest answers an existing remote note.
type ReplyRequest struct {
	NoteID int64
	Body   string
	Images []string
}

// AddReply queues a reply to a remote note.
func (e *Engine) AddReply(ctx context.Context, req ReplyRequest) (domain.NoteReply, error) {
	if strings.TrimSpace(req.Body) == "" {
		return domain.NoteReply{}, fmt.Errorf("%w: reply body is required", ErrInvalid)
	}
	ent, err := e.target(ctx, domain.Ref{Type: "Note", ID: req.NoteID})
	if err != nil {
		return domain.NoteReply{}, err
	}
	r := domain.NoteReply{Base: domain.Base{Kind: domain.KindNoteReply}, NoteID: req.NoteID, Body: req.Body, Images: req.Images}
	err = e.Edit.Update(ctx, func(tx *manifest.EditTx) error { return e.createRefreshed(ctx, tx, &r, ent) })
	return r, err
}

// PendingEdits lists the outgoing edits waiting for publish, ordered by id.
func (e *Engine) PendingEdits(ctx context.Context) ([]store.Document, error) {
	var out []store.Document
	err := e.Edit.View(ctx, func(tx *manifest.EditTx) error {
		docs, err := tx.List("")
		if err != nil {
			return err
		}
		for _, d := range docs {
			if domain.Kind(d.String("kind")).Pending() {
				out = append(out, d)
			}
		}
		return nil
	})
	return out, err
}

// DiscardEdit deletes one pending edit without publishing it.
func (e *Engine) DiscardEdit(ctx context.Context, id int64) error {
	return e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		var b domain.Base
		if err := tx.Get(id, &b); err != nil {
			return err
		}
		if !b.Kind.Pending() {
			return fmt.Errorf("%w: %s %d is not a pending edit", ErrInvalid, b.Kind, id)
		}
		if err := tx.Delete(id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.SQL(), events.TypeEditDiscard, string(b.Kind), strconv.FormatInt(id, 10), "", nil)
	})
}

// ClearEdits backs up both manifests and removes every working entity except the ToolState.
func (e *Engine) ClearEdits(ctx context.Context) (int, string, error) {
	e.session.Lock()
	defer e.session.Unlock()
	loc, err := e.backupManifests(ctx)
	if err != nil {
		return 0, "", err
	}
	n, err := e.Edit.ClearEdits(ctx)
	if err != nil {
		return 0, loc, err
	}
	e.refreshPending(ctx)
	return n, loc, e.Events.Record(ctx, events.TypeEditsClear, "Edit", "", "", events.EventPayload{"removed": n, "backup": loc})
}

// ClearMirror backs up both manifests and empties the mirror. The ToolState asks for a resync.
func (e *Engine) ClearMirror(ctx context.Context) (string, error) {
	e.session.Lock()
	defer e.session.Unlock()
	loc, err := e.backupManifests(ctx)
	if err != nil {
		return "", err
	}
	if err := e.Mirror.Clear(ctx); err != nil {
		return loc, err
	}
	err = e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		ts, err := tx.ToolState()
		if err != nil {
			return err
		}
		ts.ResyncRequired = true
		if err := tx.SaveToolState(ts); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.SQL(), events.TypeMirrorClear, "Mirror", "", "", events.EventPayload{"backup": loc})
	})
	return loc, err
}

func (e *Engine) backupManifests(ctx context.Context) (string, error) {
	if e.Backup == nil {
		return "", nil
	}
	mirror, err := e.Mirror.Store().Dump(ctx)
	if err != nil {
		return "", fmt.Errorf("dump mirror: %w", err)
	}
	edit, err := e.Edit.Store().Dump(ctx)
	if err != nil {
		return "", fmt.Errorf("dump edit: %w", err)
	}
	loc, err := e.Backup.Save(ctx, backup.Name(e.now()), map[string][]byte{"mirror.json": mirror, "edit.json": edit})
	if err != nil {
		return "", fmt.Errorf("backup manifests: %w", err)
	}
	e.Logger.Info("manifests backed up", "location", loc)
	return loc, nil
}

// target resolves a weak reference into the mirror.
func (e *Engine) target(ctx context.Context, ref domain.Ref) (manifest.Entity, error) {
	if ref.Type == "" || ref.ID <= 0 {
		return nil, fmt.Errorf("%w: invalid reference %q", ErrInvalid, ref)
	}
	ent, ok, err := e.Mirror.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("mirror entity %s: %w", ref, store.ErrNotFound)
	}
	return ent, nil
}

func (e *Engine) create(ctx context.Context, tx *manifest.EditTx, w domain.Working) error {
	if err := tx.Create(w); err != nil {
		return err
	}
	h := w.Header()
	return e.Events.Append(ctx, tx.SQL(), events.TypeEditCreate, string(h.Kind), strconv.FormatInt(h.ID, 10), "", nil)
}

// createRefreshed creates w with its remote-owned fields already filled from ent, so the new
// entity starts in sync.
func (e *Engine) createRefreshed(ctx context.Context, tx *manifest.EditTx, w domain.Working, ent manifest.Entity) error {
	if err := e.create(ctx, tx, w); err != nil {
		return err
	}
	doc, err := store.Encode(w)
	if err != nil {
		return err
	}
	if changed, _ := merge.Refresh(doc, ent); !changed {
		return nil
	}
	if err := tx.PutDoc(w.Header().ID, doc); err != nil {
		return err
	}
	return store.Decode(doc, w)
}

func displayName(ent manifest.Entity) string {
	for _, f := range []string{"code", "name", "cached_display_name"} {
		if s := ent.String(f); s != "" {
			return s
		}
	}
	return ent.Ref().String()
}
