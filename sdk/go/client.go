package enginesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal decision engine HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ScoreBreakdown is one criterion's share of a decision.
type ScoreBreakdown struct {
	CriterionKey  string  `json:"criterion_key"`
	RawScore      float64 `json:"raw_score"`
	Weight        float64 `json:"weight"`
	WeightedScore float64 `json:"weighted_score"`
}

// Decision represents the API decision result.
type Decision struct {
	Context     string           `json:"context"`
	Verdict     string           `json:"verdict"`
	TotalScore  float64          `json:"total_score"`
	Threshold   float64          `json:"threshold"`
	Breakdown   []ScoreBreakdown `json:"breakdown"`
	Ignored     []string         `json:"ignored,omitempty"`
	Explanation string           `json:"explanation"`
	HistoryID   string           `json:"history_id"`
	SignalID    string           `json:"signal_id"`
}

type Weight struct {
	ContextKey   string  `json:"context_key"`
	CriterionKey string  `json:"criterion_key"`
	Value        float64 `json:"value"`
}

type ConfigEntry struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// Signal represents a bus entry (partial).
type Signal struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	LastError string          `json:"last_error,omitempty"`
}

type Task struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
}

type Notification struct {
	ID               string `json:"id"`
	RecipientContext string `json:"recipient_context"`
	Message          string `json:"message"`
	Status           string `json:"status"`
}

// APIError wraps non-2xx responses. Code is the envelope's error code when
// the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Decide scores the given criteria against a context.
func (c *Client) Decide(ctx context.Context, contextKey string, scores map[string]float64) (Decision, error) {
	body := map[string]any{
		"context": contextKey,
		"scores":  scores,
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "decisions", body, &resp)
	return resp, err
}

// Feedback reports whether a past decision turned out correct.
func (c *Client) Feedback(ctx context.Context, historyID, outcome string) ([]Weight, error) {
	var resp struct {
		Weights []Weight `json:"weights"`
	}
	endpoint := fmt.Sprintf("decisions/%s/feedback", url.PathEscape(historyID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"outcome": outcome}, &resp)
	return resp.Weights, err
}

func (c *Client) Weights(ctx context.Context, contextKey string) ([]Weight, error) {
	var resp struct {
		Weights []Weight `json:"weights"`
	}
	err := c.do(ctx, http.MethodGet, "weights/"+url.PathEscape(contextKey), nil, &resp)
	return resp.Weights, err
}

func (c *Client) SetWeight(ctx context.Context, contextKey, criterion string, value float64) (Weight, error) {
	var resp Weight
	endpoint := fmt.Sprintf("weights/%s/%s", url.PathEscape(contextKey), url.PathEscape(criterion))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"value": value}, &resp)
	return resp, err
}

func (c *Client) AdjustWeight(ctx context.Context, contextKey, criterion string, delta float64) (Weight, error) {
	var resp Weight
	endpoint := fmt.Sprintf("weights/%s/%s/adjust", url.PathEscape(contextKey), url.PathEscape(criterion))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"delta": delta}, &resp)
	return resp, err
}

func (c *Client) Config(ctx context.Context, key string) (ConfigEntry, error) {
	var resp ConfigEntry
	err := c.do(ctx, http.MethodGet, "config/"+url.PathEscape(key), nil, &resp)
	return resp, err
}

func (c *Client) SetConfig(ctx context.Context, key, value string) (ConfigEntry, error) {
	var resp ConfigEntry
	err := c.do(ctx, http.MethodPut, "config/"+url.PathEscape(key), map[string]any{"value": value}, &resp)
	return resp, err
}

func (c *Client) ResetConfig(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "config/"+url.PathEscape(key), nil, nil)
}

// Emit publishes a signal and returns its id.
func (c *Client) Emit(ctx context.Context, signalType string, payload map[string]any) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]any{"type": signalType}
	if payload != nil {
		body["payload"] = payload
	}
	err := c.do(ctx, http.MethodPost, "signals", body, &resp)
	return resp.ID, err
}

// Signals lists signals, optionally filtered by status.
func (c *Client) Signals(ctx context.Context, status string, limit int) ([]Signal, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "signals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Signal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Enqueue schedules a task. maxAttempts of zero uses the server default.
func (c *Client) Enqueue(ctx context.Context, kind string, payload map[string]any, maxAttempts int) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]any{"kind": kind}
	if payload != nil {
		body["payload"] = payload
	}
	if maxAttempts > 0 {
		body["max_attempts"] = maxAttempts
	}
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp.ID, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) RetryTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/retry", nil, &resp)
	return resp, err
}

func (c *Client) Notifications(ctx context.Context, recipient string, unreadOnly bool) ([]Notification, error) {
	endpoint := "notifications/" + url.PathEscape(recipient)
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp struct {
		Items []Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) MarkRead(ctx context.Context, recipient, id string) (Notification, error) {
	var resp Notification
	endpoint := fmt.Sprintf("notifications/%s/%s/read", url.PathEscape(recipient), url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
