// Package ntloadersdk is a small client for the ntloader executor API.
package ntloadersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal ntloader HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

// LocalizeStrategy is the executor view of a version to localize.
type LocalizeStrategy struct {
	ID          int64   `json:"id"`
	VersionID   int64   `json:"version_id"`
	Type        string  `json:"type"`
	Source      string  `json:"source"`
	TargetPath  string  `json:"target_path,omitempty"`
	Localized   bool    `json:"localized"`
	ToRefresh   bool    `json:"to_refresh"`
	Progress    float64 `json:"progress"`
	VersionCode string  `json:"version_code,omitempty"`
}

// Scope is the tree region an import locks.
type Scope struct {
	Tree           string  `json:"tree"`
	VersionLinkIDs []int64 `json:"version_link_ids,omitempty"`
}

// ImportTask is an import lock record.
type ImportTask struct {
	ID              int64  `json:"id"`
	Scope           Scope  `json:"scope"`
	Stage           string `json:"stage"`
	State           string `json:"state"`
	CompletionTally int    `json:"completion_tally"`
	FailureTally    int    `json:"failure_tally"`
	Outcome         string `json:"outcome,omitempty"`
}

// AnnotationLink pins a downloaded attachment to a local file.
type AnnotationLink struct {
	ID           int64  `json:"id,omitempty"`
	AttachmentID int64  `json:"attachment_id"`
	NoteID       int64  `json:"note_id,omitempty"`
	ReplyIndex   int    `json:"reply_index,omitempty"`
	LocalPath    string `json:"local_path"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	RunID      string         `json:"run_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// ErrBusy is matched by an APIError for an overlapping import.
var ErrBusy = errors.New("busy")

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool { return target == ErrBusy && e.Code == "busy" }

// PendingLocalizations lists strategies still to localize or flagged for refresh.
func (c *Client) PendingLocalizations(ctx context.Context) ([]LocalizeStrategy, error) {
	var resp []LocalizeStrategy
	err := c.do(ctx, http.MethodGet, "localize-strategies?pending=true", nil, &resp)
	return resp, err
}

// ReportProgress records localization progress in [0,1].
func (c *Client) ReportProgress(ctx context.Context, id int64, progress float64) (LocalizeStrategy, error) {
	var resp LocalizeStrategy
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("localize-strategies/%d", id), map[string]any{"progress": progress}, &resp)
	return resp, err
}

// CompleteLocalization marks a strategy as localized at targetPath.
func (c *Client) CompleteLocalization(ctx context.Context, id int64, targetPath string) (LocalizeStrategy, error) {
	var resp LocalizeStrategy
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("localize-strategies/%d/complete", id), map[string]any{"target_path": targetPath}, &resp)
	return resp, err
}

// AcquireImport takes the import lock. Overlapping scopes fail with an error matching ErrBusy.
func (c *Client) AcquireImport(ctx context.Context, scope Scope, stage string) (ImportTask, error) {
	var resp ImportTask
	err := c.do(ctx, http.MethodPost, "import-tasks", map[string]any{"scope": scope, "stage": stage}, &resp)
	return resp, err
}

// Tally counts one imported item.
func (c *Client) Tally(ctx context.Context, id int64, ok bool) (ImportTask, error) {
	var resp ImportTask
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("import-tasks/%d/tally", id), map[string]any{"ok": ok}, &resp)
	return resp, err
}

// ResolveImport releases the lock with state "completed" or "failed".
func (c *Client) ResolveImport(ctx context.Context, id int64, state, outcome string) (ImportTask, error) {
	var resp ImportTask
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("import-tasks/%d/resolve", id), map[string]any{"state": state, "outcome": outcome}, &resp)
	return resp, err
}

// LinkAnnotation pins a downloaded attachment.
func (c *Client) LinkAnnotation(ctx context.Context, link AnnotationLink) (AnnotationLink, error) {
	var resp AnnotationLink
	err := c.do(ctx, http.MethodPost, "annotation-links", link, &resp)
	return resp, err
}

// EventsPage returns a page of journal events, newest first. Pass the previous NextCursor as
// before to continue.
func (c *Client) EventsPage(ctx context.Context, limit int, before int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if before > 0 {
		q.Set("before", fmt.Sprint(before))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(b, "/v1") {
		b += "/v1"
	}
	return b
}
