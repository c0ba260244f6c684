package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntloader/internal/config"
	"ntloader/internal/domain"
	"ntloader/internal/engine"
	"ntloader/internal/metrics"
	"ntloader/internal/schema"
	"ntloader/internal/testsupport"
)

type testServer struct {
	*httptest.Server
	Engine *engine.Engine
	GW     *testsupport.FakeGateway
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	mirror, edit := testsupport.OpenManifests(t)
	gw := testsupport.NewFakeGateway(
		testsupport.Version(710, "sh010_v001", "rev"),
		testsupport.Version(711, "sh020_v001", "rev"),
		testsupport.Note(55, "Grade notes"),
	)
	m := metrics.New()
	e := engine.New(engine.Options{
		Mirror:    mirror,
		Edit:      edit,
		Gateway:   gw,
		Config:    config.Default(122),
		Validator: schema.MustNew(),
		Metrics:   m,
		Now:       testsupport.Clock(),
	})
	_, err := e.Startup(context.Background())
	require.NoError(t, err)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth, Metrics: m.Handler()})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: e, GW: gw}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestFetchLinkAndLocalize(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	c := srv.Client()

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/fetch", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rep engine.SyncReport
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, 3, rep.Entities)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/version-links", map[string]any{"refs": []string{"Version:710"}}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var links []domain.VersionLink
	require.NoError(t, json.Unmarshal(data, &links))
	require.Len(t, links, 1)
	assert.Equal(t, "sh010_v001", links[0].Name)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/version-links", map[string]any{"refs": []string{"Version:999"}}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/localize-strategies", map[string]any{
		"version_id": 710, "type": "download", "source": "https://cdn/sh010.mov",
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var ls domain.LocalizeStrategy
	require.NoError(t, json.Unmarshal(data, &ls))

	res, data = doJSON(t, c, http.MethodPatch, srv.URL+"/v1/localize-strategies/"+itoa(ls.ID), map[string]any{"progress": 0.25}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &ls))
	assert.Equal(t, 0.25, ls.Progress)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/localize-strategies?pending=true", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pending []domain.LocalizeStrategy
	require.NoError(t, json.Unmarshal(data, &pending))
	assert.Len(t, pending, 1)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/localize-strategies/"+itoa(ls.ID)+"/complete", map[string]any{"target_path": "/local/sh010.mov"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &ls))
	assert.True(t, ls.Localized)
	assert.Equal(t, "/local/sh010.mov", ls.TargetPath)

	res, data = doJSON(t, c, http.MethodPatch, srv.URL+"/v1/localize-strategies/0", map[string]any{"progress": 0.5}, nil)
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnprocessableEntity}, res.StatusCode, string(data))

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var st engine.Status
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, 2, st.Mirror["Version"])
}

func TestImportLockConflict(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	c := srv.Client()
	body := map[string]any{"scope": map[string]any{"tree": "timeline"}, "stage": "timeline_import"}

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/import-tasks", body, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var task domain.ImportTask
	require.NoError(t, json.Unmarshal(data, &task))

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/import-tasks", body, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "busy", errorCode(t, data))

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/import-tasks/"+itoa(task.ID)+"/tally", map[string]any{"ok": true}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, 1, task.CompletionTally)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/import-tasks/"+itoa(task.ID)+"/resolve", map[string]any{"state": "completed"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, domain.TaskCompleted, task.State)

	res, _ = doJSON(t, c, http.MethodPost, srv.URL+"/v1/import-tasks", body, nil)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestPublishReportsGroups(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	c := srv.Client()
	res, _ := doJSON(t, c, http.MethodPost, srv.URL+"/v1/fetch", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	for _, target := range []string{"Version:710", "Version:711"} {
		res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/status-changes", map[string]any{"target": target, "new_status": "apr"}, nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/status-changes", map[string]any{"target": "Version:710", "new_status": "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	srv.GW.Reject["Version:711"] = "locked"
	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/publish", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out struct {
		Groups []struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"groups"`
		Synced bool `json:"synced"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Groups, 2)
	assert.Equal(t, "accepted", out.Groups[0].Status)
	assert.Equal(t, "rejected", out.Groups[1].Status)
	assert.True(t, out.Synced)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/edits", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var edits []map[string]any
	require.NoError(t, json.Unmarshal(data, &edits))
	assert.Len(t, edits, 1)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/events?type=publish.group&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Items, 1)
	assert.NotZero(t, page.NextCursor)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "ntloader_publish_groups_total")
}

func TestBackgroundOperation(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	c := srv.Client()
	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v1/operations", map[string]any{"name": "fetch"}, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var info engine.OperationInfo
	require.NoError(t, json.Unmarshal(data, &info))

	op, ok := srv.Engine.Operation(info.ID)
	require.True(t, ok)
	_, err := op.Wait()
	require.NoError(t, err)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v1/operations/"+info.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, engine.OpSucceeded, info.State)

	res, _ = doJSON(t, c, http.MethodGet, srv.URL+"/v1/operations/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})
	c := srv.Client()

	res, _ := doJSON(t, c, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, c, http.MethodGet, srv.URL+"/v1/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	reader, err := IssueToken(secret, "dcc-executor", PermRead)
	require.NoError(t, err)
	headers := map[string]string{"Authorization": "Bearer " + reader}
	res, _ = doJSON(t, c, http.MethodGet, srv.URL+"/v1/status", nil, headers)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v1/sync", nil, headers)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	forged, err := IssueToken("other", "dcc-executor", PermWrite)
	require.NoError(t, err)
	res, _ = doJSON(t, c, http.MethodPost, srv.URL+"/v1/sync", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, _ := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/v1/publish")
	assert.Contains(t, paths, "/v1/import-tasks/{id}/resolve")
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
