package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// OperatorWebhook はオペレーター向けチャットなどの受信Webhookに通知を投稿する。
type OperatorWebhook struct {
	httpClient *http.Client
	url        string
}

// NewOperatorWebhook はOperatorWebhookを生成する。urlが空ならnilを返す。
func NewOperatorWebhook(httpClient *http.Client, url string) *OperatorWebhook {
	if url == "" {
		return nil
	}
	return &OperatorWebhook{httpClient: httpClient, url: url}
}

type webhookPayload struct {
	Text string            `json:"text"`
	Kind Kind              `json:"kind"`
	Data map[string]string `json:"data,omitempty"`
}

// Post は件名をtextとしてJSONを投稿する。
func (w *OperatorWebhook) Post(ctx context.Context, kind Kind, text string, data map[string]string) error {
	body, err := json.Marshal(webhookPayload{Text: text, Kind: kind, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("operator webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	return classifyStatus("operator webhook", resp.StatusCode)
}
