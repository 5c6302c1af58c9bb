package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

type Webhook struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// WebhookHandler posts each signal as JSON to a fixed URL. Any non-2xx
// response fails the signal.
type WebhookHandler struct {
	Hook   Webhook
	Client *http.Client
}

func NewWebhookHandler(hook Webhook) *WebhookHandler {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookHandler{Hook: hook, Client: &http.Client{Timeout: timeout}}
}

type webhookSignal struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

func (w *WebhookHandler) Handle(ctx context.Context, s domain.Signal) error {
	payload := json.RawMessage("{}")
	if len(s.Payload) > 0 && json.Valid(s.Payload) {
		payload = s.Payload
	}
	data, err := json.Marshal(webhookSignal{
		ID:        s.ID,
		Seq:       s.Seq,
		Type:      string(s.Type),
		CreatedAt: s.CreatedAt,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Engine-Signal", string(s.Type))
	req.Header.Set("X-Engine-Delivery", s.ID)
	if strings.TrimSpace(w.Hook.Secret) != "" {
		req.Header.Set("X-Engine-Secret", w.Hook.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.Hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
