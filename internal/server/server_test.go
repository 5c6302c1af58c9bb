package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/okatech-org/sgg.ga-sub007/internal/app"
	"github.com/okatech-org/sgg.ga-sub007/internal/config"
	"github.com/okatech-org/sgg.ga-sub007/internal/db"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/engine"
	"github.com/okatech-org/sgg.ga-sub007/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

const testConfig = `
weights:
  contexts:
    loan:
      income: 0.6
      history: 0.4
`

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg, err := config.FromYAML([]byte(testConfig))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := zaptest.NewLogger(t)
	e, err := engine.New(conn, cfg, engine.WithLogger(log))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := app.Bootstrap(context.Background(), e, nil); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Logger: log})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v: %s", err, string(data))
	}
	return env.Error
}

func TestDecideAndFeedback(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"context": "loan",
		"scores":  map[string]float64{"income": 1, "history": 0},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	var result domain.DecisionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Verdict != domain.VerdictApprove || math.Abs(result.TotalScore-0.6) > 1e-9 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.HistoryID == "" || len(result.Breakdown) != 2 {
		t.Fatalf("expected history id and full breakdown, got %+v", result)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions/"+result.HistoryID+"/feedback", map[string]any{
		"outcome": "correct",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("feedback status %d: %s", res.StatusCode, string(data))
	}
	var fb FeedbackResponse
	if err := json.Unmarshal(data, &fb); err != nil {
		t.Fatalf("unmarshal feedback: %v", err)
	}
	if len(fb.Weights) != 1 || fb.Weights[0].CriterionKey != "income" {
		t.Fatalf("expected only income adjusted, got %+v", fb.Weights)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/weights/loan", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("weights status %d: %s", res.StatusCode, string(data))
	}
	var weights WeightsResponse
	if err := json.Unmarshal(data, &weights); err != nil {
		t.Fatalf("unmarshal weights: %v", err)
	}
	if len(weights.Weights) != 2 || weights.Weights[0].CriterionKey != "history" {
		t.Fatalf("expected sorted weights, got %+v", weights.Weights)
	}
	if math.Abs(weights.Weights[1].Value-0.65) > 1e-9 {
		t.Fatalf("expected income 0.65 after feedback, got %v", weights.Weights[1].Value)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/history?context=loan&action=decision.made", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var hist HistoryListResponse
	if err := json.Unmarshal(data, &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist.Items) != 1 || hist.Items[0].ID != result.HistoryID || hist.Items[0].DecisionResult == nil {
		t.Fatalf("expected the decision record, got %+v", hist.Items)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown context", http.MethodPost, "/v0/decisions", map[string]any{"context": "zeta", "scores": map[string]float64{"a": 1}}, http.StatusBadRequest, "invalid_context"},
		{"empty scores", http.MethodPost, "/v0/decisions", map[string]any{"context": "loan", "scores": map[string]float64{}}, http.StatusBadRequest, "scoring"},
		{"bad outcome", http.MethodPost, "/v0/decisions/h1/feedback", map[string]any{"outcome": "maybe"}, http.StatusBadRequest, "bad_request"},
		{"unknown history", http.MethodPost, "/v0/decisions/missing/feedback", map[string]any{"outcome": "correct"}, http.StatusNotFound, "not_found"},
		{"missing task", http.MethodGet, "/v0/tasks/missing", nil, http.StatusNotFound, "not_found"},
		{"missing config", http.MethodGet, "/v0/config/nope", nil, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, tc.method, srv.URL+tc.path, tc.body)
			if res.StatusCode != tc.status {
				t.Fatalf("status %d: %s", res.StatusCode, string(data))
			}
			if got := decodeError(t, data); got.Code != tc.code {
				t.Fatalf("expected code %s, got %+v", tc.code, got)
			}
		})
	}
}

func TestSignalsAndNotifications(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/signals", map[string]any{
		"type":    "custom",
		"payload": map[string]any{"a": 1},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("emit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/signals?type=custom", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list SignalListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal signals: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Status != domain.SignalPending {
		t.Fatalf("expected one pending signal, got %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"context": "loan",
		"scores":  map[string]float64{"income": 0, "history": 0},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	if _, err := srv.Engine.Signals.RoutePending(context.Background(), 10); err != nil {
		t.Fatalf("route: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications/loan?unread=true", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications status %d: %s", res.StatusCode, string(data))
	}
	var notes NotificationListResponse
	if err := json.Unmarshal(data, &notes); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	if len(notes.Items) != 1 || !strings.Contains(notes.Items[0].Message, "reject") {
		t.Fatalf("expected one reject notification, got %+v", notes.Items)
	}
	id := notes.Items[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notifications/other/"+id+"/read", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another recipient, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notifications/loan/"+id+"/read", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read status %d: %s", res.StatusCode, string(data))
	}
	var n domain.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if n.Status != domain.NotificationRead || n.ReadAt == nil {
		t.Fatalf("expected read notification, got %+v", n)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	var st engine.Stats
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if st.Signals.Routed != 1 || st.Signals.Failed != 1 || st.Notifications.Read != 1 || st.Decisions.Total != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestConfigOverrideAndReset(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/config/threshold", map[string]any{"value": "0.7"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set status %d: %s", res.StatusCode, string(data))
	}
	var entry domain.ConfigEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Value != "0.7" || entry.Source != domain.SourceOverride {
		t.Fatalf("unexpected entry %+v", entry)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"context": "loan",
		"scores":  map[string]float64{"income": 1, "history": 0},
	})
	var result domain.DecisionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Verdict != domain.VerdictReject {
		t.Fatalf("expected reject at threshold 0.7, got %+v", result)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/config/threshold", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/config/threshold", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Value != "0.5" || entry.Source != domain.SourceDefault {
		t.Fatalf("expected default threshold, got %+v", entry)
	}
}

func TestTasksEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"kind":    engine.KindNotificationSend,
		"payload": map[string]any{"recipient": "ops", "message": "hello"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status %d: %s", res.StatusCode, string(data))
	}
	var created CreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	if _, err := srv.Engine.Tasks.ProcessPending(context.Background(), 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.TaskSucceeded {
		t.Fatalf("expected succeeded task, got %+v", task)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/stats", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"succeeded":1`) {
		t.Fatalf("task stats status %d: %s", res.StatusCode, string(data))
	}
}

func TestNewRegistersSameNamedTypesFromDifferentPackages(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("server.New panicked: %v", r)
		}
	}()
	if _, err := New(Config{Engine: e}); err != nil {
		t.Fatalf("new server: %v", err)
	}
	if _, err := New(Config{Engine: e, BasePath: "v1"}); err != nil {
		t.Fatalf("second server: %v", err)
	}
}

func TestOpenAPIAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "/v0/decisions") {
		t.Fatalf("openapi missing decisions path")
	}
	for _, name := range []string{"SignalsStats", "TasksStats", "EngineStats", "ApiError"} {
		if !strings.Contains(string(data), "#/components/schemas/"+name) {
			t.Fatalf("openapi missing schema %s", name)
		}
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/openapi.json") {
		t.Fatalf("docs status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}
