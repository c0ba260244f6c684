package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ntloader/internal/domain"
)

// REST talks to the remote service over its JSON HTTP API.
type REST struct {
	BaseURL    string
	Token      string
	Fields     map[string][]string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewREST creates a client with defaults.
func NewREST(baseURL, token string, fields map[string][]string) *REST {
	return &REST{BaseURL: baseURL, Token: token, Fields: fields, Timeout: 30 * time.Second}
}

type recordsResponse struct {
	Records []RawRecord `json:"records"`
}

// FetchProject returns every record of the project.
func (c *REST) FetchProject(ctx context.Context, projectID int64) ([]RawRecord, error) {
	q := url.Values{}
	for typ, fields := range c.Fields {
		q.Set("fields["+typ+"]", strings.Join(fields, ","))
	}
	var resp recordsResponse
	target := domain.Ref{Type: "Project", ID: projectID}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d/entities", projectID), q, nil, &resp, target); err != nil {
		return nil, err
	}
	// the mirror is replaced with this answer; a missing list is not an empty project
	if resp.Records == nil {
		return nil, fmt.Errorf("%w: %s: response has no records", ErrRemoteUnavailable, target)
	}
	return resp.Records, nil
}

// FetchEntities returns records of one type.
func (c *REST) FetchEntities(ctx context.Context, entityType string, f Filter) ([]RawRecord, error) {
	q := url.Values{}
	if len(f.IDs) > 0 {
		ids := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		q.Set("ids", strings.Join(ids, ","))
	}
	if f.ProjectID != 0 {
		q.Set("project_id", strconv.FormatInt(f.ProjectID, 10))
	}
	fields := f.Fields
	if len(fields) == 0 {
		fields = c.Fields[entityType]
	}
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}
	var resp recordsResponse
	err := c.do(ctx, http.MethodGet, "entities/"+url.PathEscape(entityType), q, nil, &resp, domain.Ref{Type: entityType})
	return resp.Records, err
}

// PushEdits submits one group.
func (c *REST) PushEdits(ctx context.Context, g Group) error {
	endpoint := fmt.Sprintf("entities/%s/%d/edits", url.PathEscape(g.Target.Type), g.Target.ID)
	return c.do(ctx, http.MethodPost, endpoint, nil, map[string]any{"edits": g.Edits}, nil, g.Target)
}

func (c *REST) do(ctx context.Context, method, endpoint string, q url.Values, body any, out any, target domain.Ref) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrRemoteUnavailable, resp.StatusCode, strings.TrimSpace(string(b)))
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Rejected(target, rejectReason(resp.StatusCode, b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: %s: empty response", ErrRemoteUnavailable, target)
			}
			return fmt.Errorf("%w: decode response: %v", ErrRemoteUnavailable, err)
		}
	}
	return nil
}

func rejectReason(status int, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(status)
}
