package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayops/actionqueue/pkg/queue"
	"github.com/relayops/actionqueue/pkg/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	svc := queue.NewService(repo, queue.Defaults{
		Priority:    5,
		MaxAttempts: 3,
		Backoff:     []time.Duration{10 * time.Second},
	}, nil)
	server := httptest.NewServer(NewRouter(NewActionHandler(svc)))
	t.Cleanup(server.Close)
	return server, repo
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeAction(t *testing.T, resp *http.Response) store.Action {
	t.Helper()
	defer resp.Body.Close()
	var a store.Action
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	return a
}

func TestCreateAction(t *testing.T) {
	server, repo := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/actions", map[string]any{
		"owner_id":       "owner-1",
		"action_type":    "api_call",
		"action_target":  "https://example.com/hook",
		"action_payload": map[string]string{"k": "v"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	a := decodeAction(t, resp)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, store.StatusQueued, a.Status)
	assert.Equal(t, 5, a.Priority)

	stored, err := repo.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", stored.OwnerID)
}

func TestCreateAction_InvalidRequest(t *testing.T) {
	server, _ := newTestServer(t)

	// owner_id missing
	resp := postJSON(t, server.URL+"/api/actions", map[string]any{
		"action_type":    "api_call",
		"action_target":  "https://example.com/hook",
		"action_payload": map[string]string{},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateAction_MalformedJSON(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Post(server.URL+"/api/actions", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetAction(t *testing.T) {
	server, _ := newTestServer(t)

	created := decodeAction(t, postJSON(t, server.URL+"/api/actions", map[string]any{
		"owner_id":       "owner-1",
		"action_type":    "api_call",
		"action_target":  "https://example.com/hook",
		"action_payload": map[string]string{},
	}))

	resp, err := http.Get(server.URL + "/api/actions/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decodeAction(t, resp).ID)
}

func TestGetAction_NotFound(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/actions/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListActions_FilterByOwner(t *testing.T) {
	server, _ := newTestServer(t)

	for _, owner := range []string{"owner-1", "owner-1", "owner-2"} {
		resp := postJSON(t, server.URL+"/api/actions", map[string]any{
			"owner_id":       owner,
			"action_type":    "api_call",
			"action_target":  "https://example.com/hook",
			"action_payload": map[string]string{},
		})
		resp.Body.Close()
	}

	resp, err := http.Get(server.URL + "/api/actions?owner_id=owner-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Items []store.Action `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Items, 2)
}

func TestApprovalFlow(t *testing.T) {
	server, repo := newTestServer(t)

	created := decodeAction(t, postJSON(t, server.URL+"/api/actions", map[string]any{
		"owner_id":          "owner-1",
		"action_type":       "api_call",
		"action_target":     "https://example.com/hook",
		"action_payload":    map[string]string{},
		"requires_approval": true,
	}))

	resp, err := http.Get(server.URL + "/api/approvals?owner_id=owner-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending struct {
		Items []store.Action `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	resp.Body.Close()
	require.Len(t, pending.Items, 1)

	resp = postJSON(t, server.URL+"/api/actions/"+created.ID+"/approve", map[string]string{"note": "lgtm"})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, stored.ApprovalStatus)

	// Second resolution conflicts.
	resp = postJSON(t, server.URL+"/api/actions/"+created.ID+"/reject", map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelAction(t *testing.T) {
	server, _ := newTestServer(t)

	created := decodeAction(t, postJSON(t, server.URL+"/api/actions", map[string]any{
		"owner_id":       "owner-1",
		"action_type":    "api_call",
		"action_target":  "https://example.com/hook",
		"action_payload": map[string]string{},
	}))

	resp := postJSON(t, server.URL+"/api/actions/"+created.ID+"/cancel", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Cancelling a terminal action conflicts.
	resp = postJSON(t, server.URL+"/api/actions/"+created.ID+"/cancel", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
