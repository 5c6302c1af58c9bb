package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/okatech-org/sgg.ga-sub007/internal/db"
	"github.com/okatech-org/sgg.ga-sub007/internal/engine"
	"github.com/okatech-org/sgg.ga-sub007/internal/migrate"
)

func TestParseScores(t *testing.T) {
	scores, err := parseScores([]string{"income=0.8", "history=1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"income": 0.8, "history": 1}, scores)

	for _, bad := range []string{"income", "=1", "income=high"} {
		_, err := parseScores([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestParsePayload(t *testing.T) {
	p, err := parsePayload("")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = parsePayload(`{"context":"loan","scores":{"a":1}}`)
	require.NoError(t, err)
	assert.Equal(t, "loan", p.(map[string]any)["context"])

	_, err = parsePayload("{")
	assert.Error(t, err)
}

func TestServeAPIRejectsMissingEngine(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	assert.Error(t, serveAPI(context.Background(), nil, ln, "/v0"))
	_, err = ln.Accept()
	assert.Error(t, err, "listener should be closed")
}

func TestServeAPIDrainsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e, err := engine.New(conn, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveAPI(ctx, e, ln, "/v0") }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	res, err := client.Get("http://" + ln.Addr().String() + "/v0/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serveAPI did not return after cancel")
	}
	require.NoError(t, conn.Close())
}
