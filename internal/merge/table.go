// Package merge reconciles the edit manifest with a freshly fetched mirror.
//
// Ownership of every working entity field is declared once in Table. Remote-owned fields are
// overwritten from the referenced mirror entity; local fields are never read or written here.
package merge

import (
	"ntloader/internal/domain"
	"ntloader/internal/expand"
	"ntloader/internal/manifest"
	"ntloader/internal/store"
)

// Owner says which side is authoritative for a field.
type Owner int

const (
	Local Owner = iota
	Remote
)

func (o Owner) String() string {
	if o == Remote {
		return "remote"
	}
	return "local"
}

// FieldRule classifies one document field.
type FieldRule struct {
	Field string
	Owner Owner
	// Source reads the remote value from the referenced mirror entity. ok is false when the
	// mirror does not carry the field, in which case the edit value is left alone.
	Source func(manifest.Entity) (v any, ok bool)
}

// KindRules describes how one working kind relates to the mirror.
type KindRules struct {
	// Ref resolves the mirror entity the working entity depends on. Nil for kinds with no
	// mirror dependency.
	Ref    func(store.Document) (domain.Ref, bool)
	Fields []FieldRule
}

// Bookkeeping fields present on every kind.
var baseFields = []FieldRule{
	{Field: "id"}, {Field: "kind"}, {Field: "created_at"}, {Field: "synced"},
}

// Table is the field classification consulted by the merge routine.
var Table = map[domain.Kind]KindRules{
	domain.KindToolState: {
		Fields: local("options", "option_choices", "disabled_options", "valid_statuses", "tags",
			"resync_required", "drift_count", "last_sync_at", "last_check_at"),
	},
	domain.KindVersionLink: {
		Ref: refFrom("mirror_type", "mirror_id"),
		Fields: append(local("mirror_type", "mirror_id", "discriminator", "localize_strategy_id"),
			FieldRule{Field: "name", Owner: Remote, Source: firstString("code", "cached_display_name", "name")},
			FieldRule{Field: "status", Owner: Remote, Source: firstString("sg_status_list")},
			FieldRule{Field: "version_ids", Owner: Remote, Source: versionIDs},
			FieldRule{Field: "remote_updated_at", Owner: Remote, Source: firstString("updated_at")},
		),
	},
	domain.KindImportTask: {
		Fields: local("scope", "stage", "state", "completion_tally", "failure_tally", "outcome", "resolved_at"),
	},
	domain.KindLocalizeStrategy: {
		Ref: refFixed("Version", "version_id"),
		Fields: append(local("version_id", "type", "source", "target_path", "localized", "to_refresh", "progress"),
			FieldRule{Field: "version_code", Owner: Remote, Source: firstString("code")},
			FieldRule{Field: "remote_updated_at", Owner: Remote, Source: firstString("updated_at")},
		),
	},
	// Attachment references are time-limited; the link must never be re-resolved from the mirror.
	domain.KindAnnotationLink: {
		Fields: local("attachment_id", "note_id", "reply_index", "local_path"),
	},
	domain.KindNewNote: {
		Ref: refFrom("target_type", "target_id"),
		Fields: append(local("target_type", "target_id", "subject", "body", "images"),
			FieldRule{Field: "target_name", Owner: Remote, Source: firstString("code", "name", "cached_display_name")},
			FieldRule{Field: "project_id", Owner: Remote, Source: linkID("project")},
		),
	},
	domain.KindStatusChange: {
		Ref: refFrom("target_type", "target_id"),
		Fields: append(local("target_type", "target_id", "parent_type", "parent_id", "new_status"),
			FieldRule{Field: "current_status", Owner: Remote, Source: firstString("sg_status_list")},
		),
	},
	domain.KindNoteReply: {
		Ref: refFixed("Note", "note_id"),
		Fields: append(local("note_id", "body", "images"),
			FieldRule{Field: "note_subject", Owner: Remote, Source: firstString("subject")},
		),
	},
}

// OwnerOf returns the owner of field for kind. Unclassified fields are local.
func OwnerOf(kind domain.Kind, field string) Owner {
	for _, f := range Table[kind].Fields {
		if f.Field == field {
			return f.Owner
		}
	}
	return Local
}

// RefOf resolves the mirror dependency of a working document.
func RefOf(doc store.Document) (domain.Ref, bool) {
	rules, ok := Table[domain.Kind(doc.String("kind"))]
	if !ok || rules.Ref == nil {
		return domain.Ref{}, false
	}
	return rules.Ref(doc)
}

func local(fields ...string) []FieldRule {
	out := append([]FieldRule(nil), baseFields...)
	for _, f := range fields {
		out = append(out, FieldRule{Field: f, Owner: Local})
	}
	return out
}

func refFrom(typeField, idField string) func(store.Document) (domain.Ref, bool) {
	return func(d store.Document) (domain.Ref, bool) {
		id, ok := d.Int64(idField)
		typ := d.String(typeField)
		if !ok || id == 0 || typ == "" {
			return domain.Ref{}, false
		}
		return domain.Ref{Type: typ, ID: id}, true
	}
}

func refFixed(typ, idField string) func(store.Document) (domain.Ref, bool) {
	return func(d store.Document) (domain.Ref, bool) {
		id, ok := d.Int64(idField)
		if !ok || id == 0 {
			return domain.Ref{}, false
		}
		return domain.Ref{Type: typ, ID: id}, true
	}
}

// firstString returns the first non-empty string among fields. A field the remote carries but
// has cleared (empty or null) still counts, so a cleared value reaches the edit as "".
func firstString(fields ...string) func(manifest.Entity) (any, bool) {
	return func(e manifest.Entity) (any, bool) {
		present := false
		for _, f := range fields {
			v, ok := e[f]
			if !ok {
				continue
			}
			switch s := v.(type) {
			case string:
				if s != "" {
					return s, true
				}
				present = true
			case nil:
				present = true
			}
		}
		if present {
			return "", true
		}
		return nil, false
	}
}

func linkID(field string) func(manifest.Entity) (any, bool) {
	return func(e manifest.Entity) (any, bool) {
		m, ok := e[field].(map[string]any)
		if !ok {
			return nil, false
		}
		id, ok := store.Document(m).Int64("id")
		return id, ok
	}
}

func versionIDs(e manifest.Entity) (any, bool) {
	if _, ok := e[expand.FieldVersionIDs]; !ok {
		return nil, false
	}
	ids := expand.VersionIDs(e)
	if ids == nil {
		ids = []int64{}
	}
	return ids, true
}
