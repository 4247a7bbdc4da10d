package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/messaging"
	"github.com/rendis/drip/pkg/schema"
)

func testApp(t *testing.T, cfg Config) *app {
	t.Helper()
	cfg.Store = "memory"
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })
	return a
}

func TestApp_ServesBuiltinCatalog(t *testing.T) {
	a := testApp(t, defaultConfig())
	srv := httptest.NewServer(a.handler(true))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook/welcome", "application/json",
		strings.NewReader(`{"contact": {"phone": "+15550100", "name": "Ada"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `drip_runs_started_total{workflow="welcome_sequence"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestApp_MetricsToggle(t *testing.T) {
	a := testApp(t, defaultConfig())
	routes := newLiveRoutes(a.handler, false)
	srv := httptest.NewServer(routes)
	defer srv.Close()

	status := func() int {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNotFound, status())

	assert.True(t, routes.SetMetrics(true))
	assert.Equal(t, http.StatusOK, status())
	assert.False(t, routes.SetMetrics(true), "already mounted")

	assert.True(t, routes.SetMetrics(false))
	assert.Equal(t, http.StatusNotFound, status())
}

func TestApp_ReloadCatalog(t *testing.T) {
	a := testApp(t, defaultConfig())
	before := a.holder.Current()

	cfg := defaultConfig()
	cfg.CatalogDir = filepath.Join(t.TempDir(), "missing")
	require.Error(t, a.reloadCatalog(cfg))
	assert.Same(t, before, a.holder.Current(), "a failed reload keeps the loaded workflows")

	dir := t.TempDir()
	doc := `{
  "id": "ping",
  "version": 1,
  "active": true,
  "nodes": [
    {"name": "Hook", "kind": "trigger", "params": {"path": "ping"}},
    {"name": "Send", "kind": "action", "params": {"channel": "sms", "recipient": "1", "body": "pong"}}
  ],
  "connections": [{"from": "Hook", "to": "Send"}]
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ping.json"), []byte(doc), 0o644))
	cfg.CatalogDir = dir
	require.NoError(t, a.reloadCatalog(cfg))
	assert.Equal(t, 1, a.holder.Current().Len())
	_, ok := a.dispatcher.Graph("ping")
	assert.True(t, ok)
}

func TestOpenStore_Unknown(t *testing.T) {
	cfg := defaultConfig()
	cfg.Store = "etcd"
	_, err := openStore(context.Background(), cfg, slog.Default())
	assert.ErrorContains(t, err, "unknown store")
}

func TestNewSenders(t *testing.T) {
	cfg := defaultConfig()
	cfg.Channels = map[string]ChannelConfig{"sms": {URL: "http://gw/sms"}}
	reg, err := newSenders(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, []string{"sms"}, reg.Channels())

	// Unconfigured channels fall back to the log sender.
	receipt, err := reg.Send(context.Background(), messaging.Message{Channel: "email", Recipient: "a@b.c", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "email", receipt.Channel)

	cfg.Channels = map[string]ChannelConfig{"sms": {}}
	_, err = newSenders(cfg, slog.Default())
	assert.Error(t, err)
}

func TestOpenVault(t *testing.T) {
	a := testApp(t, defaultConfig())

	v, err := openVault(Config{}, a.store)
	require.NoError(t, err)
	err = v.Store(context.Background(), "k", []byte("v"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault), "environment vault is read-only")
}

func TestApp_LibSQLKeepsWaitingRunsAcrossRestarts(t *testing.T) {
	cfg := defaultConfig()
	cfg.Store = "libsql"
	cfg.DBPath = "file:" + filepath.Join(t.TempDir(), "data", "drip.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	first, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	runID, err := first.dispatcher.Dispatch(ctx, "welcome_sequence",
		map[string]any{"contact": map[string]any{"phone": "+15550100", "name": "Ada"}})
	require.NoError(t, err)
	require.NoError(t, first.close())

	second, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.close() })

	run, err := second.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusWaiting, run.Status)
	assert.Equal(t, "Wait", run.CurrentNode)
	require.NotNil(t, run.WakeAt)

	due, err := second.store.ListDue(ctx, run.WakeAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, runID, due[0].ID)

	events, err := second.store.GetEvents(ctx, runID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestVersionString(t *testing.T) {
	v := versionString()
	assert.True(t, strings.HasPrefix(v, "drip "+version+" ("), v)
	assert.Contains(t, v, runtime.Version())
}
