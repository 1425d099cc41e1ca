package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookInvocation(url string) Invocation {
	cfg, _ := json.Marshal(map[string]any{
		"url":     url,
		"headers": map[string]string{"X-Token": "secret"},
	})
	return Invocation{
		ActionID:     "a1",
		OwnerID:      "owner-1",
		ActionType:   "api_call",
		ActionTarget: url,
		Payload:      json.RawMessage(`{"hello":"world"}`),
		Config:       cfg,
	}
}

func TestWebhookExecute_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"hello":"world"}`, string(body))

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"received":true}`))
	}))
	defer server.Close()

	result, err := NewWebhookExecutor().Execute(context.Background(), webhookInvocation(server.URL))
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Equal(t, float64(http.StatusOK), parsed["status_code"])
}

func TestWebhookExecute_ClientErrorIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := NewWebhookExecutor().Execute(context.Background(), webhookInvocation(server.URL))
	assert.True(t, IsTerminal(err))
	assert.Equal(t, "http_client_error", Classify(err).Code)
}

func TestWebhookExecute_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewWebhookExecutor().Execute(context.Background(), webhookInvocation(server.URL))
	assert.Error(t, err)
	assert.False(t, IsTerminal(err))
}

func TestWebhookExecute_MissingURLIsTerminal(t *testing.T) {
	_, err := NewWebhookExecutor().Execute(context.Background(), Invocation{
		ActionType: "api_call",
		Payload:    json.RawMessage(`{}`),
	})
	assert.True(t, IsTerminal(err))
	assert.Equal(t, "invalid_config", Classify(err).Code)
}

func TestWebhookExecute_CustomMethod(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg, _ := json.Marshal(map[string]string{"url": server.URL, "method": http.MethodPut})
	_, err := NewWebhookExecutor().Execute(context.Background(), Invocation{
		ActionType: "api_call",
		Payload:    json.RawMessage(`{}`),
		Config:     cfg,
	})
	assert.NoError(t, err)
}
