package enginesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/okatech-org/sgg.ga-sub007/internal/db"
	"github.com/okatech-org/sgg.ga-sub007/internal/engine"
	"github.com/okatech-org/sgg.ga-sub007/internal/migrate"
	"github.com/okatech-org/sgg.ga-sub007/internal/server"
	enginesdk "github.com/okatech-org/sgg.ga-sub007/sdk/go"
)

func newClient(t *testing.T) (*enginesdk.Client, *engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	log := zaptest.NewLogger(t)
	eng, err := engine.New(conn, nil, engine.WithLogger(log))
	require.NoError(t, err)
	h, err := server.New(server.Config{Engine: eng, Logger: log})
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return enginesdk.New(ts.URL), eng
}

func TestClientDecisionRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	_, err := c.SetWeight(ctx, "hiring", "skills", 0.7)
	require.NoError(t, err)
	_, err = c.SetWeight(ctx, "hiring", "culture", 0.3)
	require.NoError(t, err)

	d, err := c.Decide(ctx, "hiring", map[string]float64{"skills": 0.5, "culture": 1})
	require.NoError(t, err)
	assert.Equal(t, "approve", d.Verdict)
	assert.InDelta(t, 0.65, d.TotalScore, 1e-9)
	require.Len(t, d.Breakdown, 2)

	weights, err := c.Feedback(ctx, d.HistoryID, "incorrect")
	require.NoError(t, err)
	assert.Len(t, weights, 2)

	w, err := c.AdjustWeight(ctx, "hiring", "culture", 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, w.Value, 1e-9)

	all, err := c.Weights(ctx, "hiring")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "culture", all[0].CriterionKey)
}

func TestClientConfigAndErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	entry, err := c.SetConfig(ctx, "escalation_margin", "0.1")
	require.NoError(t, err)
	assert.Equal(t, "override", entry.Source)
	require.NoError(t, c.ResetConfig(ctx, "escalation_margin"))
	entry, err = c.Config(ctx, "escalation_margin")
	require.NoError(t, err)
	assert.Equal(t, "0", entry.Value)

	_, err = c.Decide(ctx, "nowhere", map[string]float64{"a": 1})
	var apiErr *enginesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_context", apiErr.Code)
}

func TestClientTasksAndNotifications(t *testing.T) {
	ctx := context.Background()
	c, eng := newClient(t)

	id, err := c.Enqueue(ctx, engine.KindNotificationSend, map[string]any{"recipient": "ops", "message": "disk full"}, 1)
	require.NoError(t, err)
	_, err = eng.Tasks.ProcessPending(ctx, 10)
	require.NoError(t, err)

	task, err := c.Task(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", task.Status)

	notes, err := c.Notifications(ctx, "ops", true)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "disk full", notes[0].Message)

	n, err := c.MarkRead(ctx, "ops", notes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "read", n.Status)

	sigID, err := c.Emit(ctx, "custom", map[string]any{"k": "v"})
	require.NoError(t, err)
	sigs, err := c.Signals(ctx, "pending", 10)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, sigID, sigs[0].ID)
}
