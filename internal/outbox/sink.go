package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const sinkTimeout = 10 * time.Second

// WebhookSink POSTs events as JSON to a fixed URL. Any 2xx response is a
// successful delivery; everything else, including transport errors, is a
// delivery failure.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink for the given URL. A nil client gets a
// default with a bounded timeout and traced transport.
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{
			Timeout:   sinkTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &WebhookSink{url: url, client: client}
}

// Target returns the sink URL for logging.
func (s *WebhookSink) Target() string { return s.url }

// Deliver posts `{"event_type": ..., "payload": ...}` to the sink.
func (s *WebhookSink) Deliver(ctx context.Context, ev *Event) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(struct {
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	}{EventType: ev.Type, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event %d: %w", ev.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sink returned %d for event %d: %s", resp.StatusCode, ev.ID, string(snippet))
	}
	return nil
}
