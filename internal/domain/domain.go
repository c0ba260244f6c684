package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags every working entity in the edit manifest.
type Kind string

const (
	KindToolState        Kind = "ToolState"
	KindVersionLink      Kind = "VersionLink"
	KindImportTask       Kind = "ImportTask"
	KindLocalizeStrategy Kind = "LocalizeStrategy"
	KindAnnotationLink   Kind = "AnnotationLink"
	KindNewNote          Kind = "NewNote"
	KindStatusChange     Kind = "StatusChange"
	KindNoteReply        Kind = "NoteReply"
)

// ToolStateID is reserved for the ToolState singleton.
const ToolStateID int64 = 0

// Kinds lists every working entity kind.
var Kinds = []Kind{
	KindToolState, KindVersionLink, KindImportTask, KindLocalizeStrategy,
	KindAnnotationLink, KindNewNote, KindStatusChange, KindNoteReply,
}

// PendingKinds are the outgoing edits flushed by publish.
var PendingKinds = []Kind{KindNewNote, KindStatusChange, KindNoteReply}

// Pending reports whether k is a pending outgoing edit.
func (k Kind) Pending() bool {
	for _, p := range PendingKinds {
		if k == p {
			return true
		}
	}
	return false
}

// Ref is a weak reference to a mirror entity.
type Ref struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// Key renders the mirror manifest key, e.g. "Version:710".
func (r Ref) Key() string { return r.Type + ":" + strconv.FormatInt(r.ID, 10) }

func (r Ref) String() string { return r.Key() }

// IsZero reports whether r points nowhere.
func (r Ref) IsZero() bool { return r.Type == "" && r.ID == 0 }

// ParseRef parses "Type:ID".
func ParseRef(s string) (Ref, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" {
		return Ref{}, fmt.Errorf("invalid reference %q; want Type:ID", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid reference %q: %w", s, err)
	}
	return Ref{Type: typ, ID: n}, nil
}

// Base carries the fields shared by every working entity.
type Base struct {
	ID        int64  `json:"id"`
	Kind      Kind   `json:"kind"`
	CreatedAt string `json:"created_at,omitempty" format:"date-time"`
	// Synced holds the remote value last written by synchronization for each remote-owned field.
	Synced map[string]any `json:"synced,omitempty"`
}

// Header exposes the shared fields.
func (b *Base) Header() *Base { return b }

// Working is implemented by every working entity pointer.
type Working interface {
	Header() *Base
}

// ToolState is the singleton at ToolStateID holding tool-wide settings.
type ToolState struct {
	Base
	Options         map[string]string   `json:"options"`
	OptionChoices   map[string][]string `json:"option_choices,omitempty"`
	DisabledOptions []string            `json:"disabled_options,omitempty"`
	ValidStatuses   map[string][]string `json:"valid_statuses"`
	Tags            map[string]string   `json:"tags"`
	ResyncRequired  bool                `json:"resync_required"`
	DriftCount      int                 `json:"drift_count"`
	LastSyncAt      string              `json:"last_sync_at,omitempty"`
	LastCheckAt     string              `json:"last_check_at,omitempty"`
}

// StatusAllowed reports whether status is part of the vocabulary for entityType.
// An empty vocabulary allows everything.
func (t ToolState) StatusAllowed(entityType, status string) bool {
	allowed := t.ValidStatuses[entityType]
	if len(allowed) == 0 {
		return true
	}
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// VersionLink is the trimmed working projection of a mirror version, playlist or cut.
type VersionLink struct {
	Base
	MirrorType         string  `json:"mirror_type"`
	MirrorID           int64   `json:"mirror_id"`
	Name               string  `json:"name"`
	VersionIDs         []int64 `json:"version_ids"`
	Status             string  `json:"status"`
	RemoteUpdatedAt    string  `json:"remote_updated_at"`
	Discriminator      string  `json:"discriminator,omitempty"`
	LocalizeStrategyID int64   `json:"localize_strategy_id,omitempty"`
}

// Target returns the mirror entity the link projects.
func (v VersionLink) Target() Ref { return Ref{Type: v.MirrorType, ID: v.MirrorID} }

type (
	TaskState string
	Stage     string
)

const (
	TaskNew        TaskState = "new"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"

	StageBinImport      Stage = "bin_import"
	StageTimelineImport Stage = "timeline_import"
)

// Unresolved reports whether the state still holds the import lock.
func (s TaskState) Unresolved() bool { return s == TaskNew || s == TaskInProgress }

// Scope is the tree region an import task locks. An empty link set covers the whole tree.
type Scope struct {
	Tree           string  `json:"tree"`
	VersionLinkIDs []int64 `json:"version_link_ids,omitempty"`
}

// Overlaps reports whether two scopes share any part of a tree.
func (s Scope) Overlaps(o Scope) bool {
	if s.Tree != o.Tree {
		return false
	}
	if len(s.VersionLinkIDs) == 0 || len(o.VersionLinkIDs) == 0 {
		return true
	}
	seen := make(map[int64]struct{}, len(s.VersionLinkIDs))
	for _, id := range s.VersionLinkIDs {
		seen[id] = struct{}{}
	}
	for _, id := range o.VersionLinkIDs {
		if _, ok := seen[id]; ok {
			return true
		}
	}
	return false
}

// ImportTask is the persistent lock record for one import action.
type ImportTask struct {
	Base
	Scope           Scope     `json:"scope"`
	Stage           Stage     `json:"stage"`
	State           TaskState `json:"state" enum:"new,in_progress,completed,failed"`
	CompletionTally int       `json:"completion_tally"`
	FailureTally    int       `json:"failure_tally"`
	Outcome         string    `json:"outcome,omitempty"`
	ResolvedAt      string    `json:"resolved_at,omitempty"`
}

type LocalizeType string

const (
	LocalizeDownload LocalizeType = "download"
	LocalizeCopy     LocalizeType = "copy"
	LocalizeDirect   LocalizeType = "direct"
)

// LocalizeStrategy tells the executors how to materialize one version's media.
type LocalizeStrategy struct {
	Base
	VersionID       int64        `json:"version_id"`
	Type            LocalizeType `json:"type" enum:"download,copy,direct"`
	Source          string       `json:"source"`
	TargetPath      string       `json:"target_path,omitempty"`
	Localized       bool         `json:"localized"`
	ToRefresh       bool         `json:"to_refresh"`
	Progress        float64      `json:"progress"`
	VersionCode     string       `json:"version_code"`
	RemoteUpdatedAt string       `json:"remote_updated_at"`
}

// AnnotationLink pins a downloaded attachment to a local path.
type AnnotationLink struct {
	Base
	AttachmentID int64  `json:"attachment_id"`
	NoteID       int64  `json:"note_id,omitempty"`
	ReplyIndex   int    `json:"reply_index"`
	LocalPath    string `json:"local_path"`
}

// NewNote is a pending note on a mirror entity.
type NewNote struct {
	Base
	TargetType string   `json:"target_type"`
	TargetID   int64    `json:"target_id"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Images     []string `json:"images,omitempty"`
	TargetName string   `json:"target_name"`
	ProjectID  int64    `json:"project_id,omitempty"`
}

func (n NewNote) Target() Ref { return Ref{Type: n.TargetType, ID: n.TargetID} }

// StatusPlaceholder marks "no status chosen" and never produces a StatusChange.
const StatusPlaceholder = "---"

// StatusChange is a pending status update on a mirror entity.
type StatusChange struct {
	Base
	TargetType    string `json:"target_type"`
	TargetID      int64  `json:"target_id"`
	ParentType    string `json:"parent_type,omitempty"`
	ParentID      int64  `json:"parent_id,omitempty"`
	CurrentStatus string `json:"current_status"`
	NewStatus     string `json:"new_status"`
}

func (s StatusChange) Target() Ref { return Ref{Type: s.TargetType, ID: s.TargetID} }

// NoteReply is a pending reply to an existing remote note.
type NoteReply struct {
	Base
	NoteID      int64    `json:"note_id"`
	Body        string   `json:"body"`
	Images      []string `json:"images,omitempty"`
	NoteSubject string   `json:"note_subject"`
}

func (r NoteReply) Target() Ref { return Ref{Type: "Note", ID: r.NoteID} }
