package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookExecutor handles api_call and trigger_webhook actions: it posts the
// action payload to the URL named in the action config. 4xx responses are
// terminal (retrying a rejected request cannot help); 5xx and transport
// errors are retryable.
type WebhookExecutor struct {
	client *http.Client
}

func NewWebhookExecutor() *WebhookExecutor {
	return &WebhookExecutor{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type webhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

func (w *WebhookExecutor) Execute(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	var cfg webhookConfig
	if len(inv.Config) > 0 {
		if err := json.Unmarshal(inv.Config, &cfg); err != nil {
			return nil, Terminal("invalid_config", fmt.Sprintf("parse action config: %v", err))
		}
	}
	if cfg.URL == "" {
		return nil, Terminal("invalid_config", "webhook url is empty")
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(inv.Payload))
	if err != nil {
		return nil, Terminal("invalid_config", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result, _ := json.Marshal(map[string]interface{}{
			"status_code": resp.StatusCode,
			"body":        string(body),
		})
		return result, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, Terminal("http_client_error",
			fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, string(body)))
	default:
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
}
