package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntloader/internal/domain"
	"ntloader/internal/store"
)

func TestRESTFetchEntities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/entities/Version", r.URL.Path)
		assert.Equal(t, "1,2", r.URL.Query().Get("ids"))
		assert.Equal(t, "code,sg_status_list", r.URL.Query().Get("fields"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"records": []map[string]any{
			{"type": "Version", "id": 1}, {"type": "Version", "id": 2},
		}})
	}))
	defer srv.Close()

	c := NewREST(srv.URL+"/api", "secret", map[string][]string{"Version": {"code", "sg_status_list"}})
	recs, err := c.FetchEntities(context.Background(), "Version", Filter{IDs: []int64{1, 2}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[1].ID())
	assert.Equal(t, "Version", recs[0].Type())
}

func TestRESTPushOutcomes(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/entities/Version/7/edits", r.URL.Path)
		w.WriteHeader(status)
		if status == http.StatusUnprocessableEntity {
			w.Write([]byte(`{"message":"status not allowed"}`))
		}
	}))
	defer srv.Close()
	c := NewREST(srv.URL, "", nil)
	g := Group{Target: domain.Ref{Type: "Version", ID: 7}, Edits: []store.Document{{"kind": "StatusChange"}}}

	require.NoError(t, c.PushEdits(context.Background(), g))

	status = http.StatusUnprocessableEntity
	err := c.PushEdits(context.Background(), g)
	require.ErrorIs(t, err, ErrRejected)
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "status not allowed", rej.Reason)

	status = http.StatusBadGateway
	assert.ErrorIs(t, c.PushEdits(context.Background(), g), ErrRemoteUnavailable)
}

func TestRESTUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := NewREST(url, "", nil).FetchProject(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestRESTConcurrentPushes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := NewREST(srv.URL, "", nil)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := int64(1); i <= 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.PushEdits(context.Background(), Group{Target: domain.Ref{Type: "Version", ID: i}})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(4), hits.Load())
	assert.Nil(t, c.HTTPClient, "shared client is left untouched")
}

func TestRESTFetchProjectNeedsRecords(t *testing.T) {
	body := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()
	c := NewREST(srv.URL, "", nil)

	for _, b := range []string{"", `{}`, `{"records":null}`} {
		body = b
		_, err := c.FetchProject(context.Background(), 122)
		assert.ErrorIs(t, err, ErrRemoteUnavailable, "body %q", b)
	}

	body = `{"records":[]}`
	recs, err := c.FetchProject(context.Background(), 122)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
