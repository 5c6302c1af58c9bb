package signals_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/okatech-org/sgg.ga-sub007/internal/apperr"
	"github.com/okatech-org/sgg.ga-sub007/internal/db"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/migrate"
	"github.com/okatech-org/sgg.ga-sub007/internal/repo"
	"github.com/okatech-org/sgg.ga-sub007/internal/signals"
)

type testEnv struct {
	conn *sql.DB
	reg  *signals.Registry
	bus  *signals.Bus
	now  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "engine.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	env := &testEnv{conn: conn, reg: signals.NewRegistry(), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	env.bus = signals.New(repo.Repo{DB: conn}, env.reg, signals.Options{Logger: zaptest.NewLogger(t)})
	env.bus.Now = func() time.Time { return env.now }
	return env
}

// recorder collects delivered payloads in delivery order.
type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) Handle(_ context.Context, s domain.Signal) error {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return err
	}
	r.mu.Lock()
	r.seen = append(r.seen, p.Name)
	r.mu.Unlock()
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestRoutePendingBatchLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := &recorder{}
	env.reg.Register(domain.SignalDecision, rec)

	for _, name := range []string{"P1", "P2", "P3"} {
		_, err := env.bus.Emit(ctx, domain.SignalDecision, map[string]string{"name": name})
		require.NoError(t, err)
	}

	res, err := env.bus.RoutePending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, signals.RouteResult{Routed: 2}, res)
	assert.Equal(t, []string{"P1", "P2"}, rec.names())

	stats, err := env.bus.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, signals.Stats{Pending: 1, Routed: 2}, stats)

	pending, err := env.bus.List(ctx, signals.Filter{Status: domain.SignalPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"name":"P3"}`, string(pending[0].Payload))
}

func TestRoutePendingIsFIFO(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := &recorder{}
	env.reg.Register(domain.SignalDecision, rec)

	var want []string
	for i := 0; i < 25; i++ {
		name := string(rune('a' + i))
		want = append(want, name)
		_, err := env.bus.Emit(ctx, domain.SignalDecision, map[string]string{"name": name})
		require.NoError(t, err)
	}
	for {
		res, err := env.bus.RoutePending(ctx, 4)
		require.NoError(t, err)
		if res.Routed == 0 {
			break
		}
	}
	assert.Equal(t, want, rec.names())
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := &recorder{}
	env.reg.Register(domain.SignalDecision, signals.HandlerFunc(func(ctx context.Context, s domain.Signal) error {
		var p struct{ Name string }
		_ = json.Unmarshal(s.Payload, &p)
		switch p.Name {
		case "boom":
			return errors.New("handler exploded")
		case "panic":
			panic("unexpected")
		}
		return rec.Handle(ctx, s)
	}))

	for _, name := range []string{"ok1", "boom", "panic", "ok2"} {
		_, err := env.bus.Emit(ctx, domain.SignalDecision, map[string]string{"name": name})
		require.NoError(t, err)
	}
	failedID, err := env.bus.Emit(ctx, domain.SignalTaskExhausted, nil)
	require.NoError(t, err)

	res, err := env.bus.RoutePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, signals.RouteResult{Routed: 2, Failed: 3}, res)
	assert.Equal(t, []string{"ok1", "ok2"}, rec.names())

	s, err := env.bus.Get(ctx, failedID)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalFailed, s.Status)
	assert.Contains(t, s.LastError, "no handler registered")

	res, err = env.bus.RoutePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, signals.RouteResult{}, res, "routed and failed signals never regress to pending")
}

func TestConcurrentRoutersDeliverOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	var mu sync.Mutex
	counts := map[string]int{}
	env.reg.Register(domain.SignalDecision, signals.HandlerFunc(func(_ context.Context, s domain.Signal) error {
		mu.Lock()
		counts[s.ID]++
		mu.Unlock()
		return nil
	}))
	for i := 0; i < 40; i++ {
		_, err := env.bus.Emit(ctx, domain.SignalDecision, nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := env.bus.RoutePending(ctx, 3)
				if err != nil || res.Routed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, counts, 40)
	for id, n := range counts {
		assert.Equal(t, 1, n, "signal %s delivered more than once", id)
	}
}

func TestRoutePendingZeroBatch(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.bus.Emit(context.Background(), domain.SignalDecision, nil)
	require.NoError(t, err)
	res, err := env.bus.RoutePending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, signals.RouteResult{}, res)
}

func TestCleanupKeepsPendingAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.reg.Register(domain.SignalDecision, signals.HandlerFunc(func(context.Context, domain.Signal) error { return nil }))

	for i := 0; i < 3; i++ {
		_, err := env.bus.Emit(ctx, domain.SignalDecision, nil)
		require.NoError(t, err)
	}
	_, err := env.bus.Emit(ctx, domain.SignalConfigChanged, nil)
	require.NoError(t, err)
	res, err := env.bus.RoutePending(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, res.Routed)
	oldPending, err := env.bus.Emit(ctx, domain.SignalDecision, nil)
	require.NoError(t, err)

	env.now = env.now.Add(30 * 24 * time.Hour)
	n, err := env.bus.Cleanup(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = env.bus.Cleanup(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	s, err := env.bus.Get(ctx, oldPending)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalPending, s.Status)
}

func TestEmitErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.bus.Emit(ctx, "", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = env.bus.Emit(ctx, domain.SignalDecision, json.RawMessage("{not json"))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	require.NoError(t, env.conn.Close())
	_, err = env.bus.Emit(ctx, domain.SignalDecision, nil)
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	_, err = env.bus.RoutePending(ctx, 5)
	assert.ErrorIs(t, err, apperr.ErrPersistence)
}
