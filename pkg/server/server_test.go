package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/browserd/pkg/browser/browsertest"
	"github.com/odvcencio/browserd/pkg/events"
	"github.com/odvcencio/browserd/pkg/pool"
	"github.com/odvcencio/browserd/pkg/storage"
)

type testEnv struct {
	server  *Server
	http    *httptest.Server
	pool    *pool.Pool
	runtime *browsertest.FakeRuntime
	bus     *events.Bus
}

func newTestEnv(t *testing.T, poolCfg pool.Config) *testEnv {
	t.Helper()

	rt := browsertest.NewFakeRuntime()
	bus := events.NewBus(nil)
	p := pool.New(poolCfg, rt, bus.Publish, nil, nil)
	t.Cleanup(p.Cleanup)

	srv := New(Config{
		Bind:            "127.0.0.1:0",
		MaxEventClients: 8,
		EventBufferSize: 64,
		MessageInterval: time.Nanosecond,
	}, p, bus, nil, nil)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, http: ts, pool: p, runtime: rt, bus: bus}
}

func defaultPoolConfig() pool.Config {
	return pool.Config{
		MaxInstances:           2,
		MaxContextsPerInstance: 2,
		IdleTimeout:            time.Minute,
		AcquireTimeout:         500 * time.Millisecond,
	}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws/browser/events"
}

func (e *testEnv) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, e.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func sendMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

// readUntilType skips interleaved payloads until one with the given
// type arrives.
func readUntilType(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for {
		msg := readMessage(t, ctx, conn)
		if msg["type"] == want {
			return msg
		}
	}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, defaultPoolConfig())

	resp, err := http.Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestSessionAcquireListRelease(t *testing.T) {
	env := newTestEnv(t, defaultPoolConfig())

	resp, body := postJSON(t, env.http.URL+"/api/sessions", map[string]any{
		"policy": map[string]any{"headless": true},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ctxID, _ := body["context_id"].(string)
	require.NotEmpty(t, ctxID)
	assert.NotEmpty(t, body["instance_id"])

	listResp, err := http.Get(env.http.URL + "/api/sessions")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var listBody map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listBody))
	assert.EqualValues(t, 1, listBody["count"])

	req, err := http.NewRequest(http.MethodDelete, env.http.URL+"/api/sessions/"+ctxID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
	assert.Equal(t, 0, env.pool.ContextCount())
}

func TestSessionExhaustionReturns503(t *testing.T) {
	cfg := defaultPoolConfig()
	cfg.MaxInstances = 1
	cfg.MaxContextsPerInstance = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	env := newTestEnv(t, cfg)

	resp, _ := postJSON(t, env.http.URL+"/api/sessions", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := postJSON(t, env.http.URL+"/api/sessions", map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "POOL_EXHAUSTED", body["code"])
	assert.Equal(t, true, body["retryable"])
}

func TestNavigateAndDomainPolicy(t *testing.T) {
	env := newTestEnv(t, defaultPoolConfig())

	resp, body := postJSON(t, env.http.URL+"/api/sessions", map[string]any{
		"policy": map[string]any{
			"allowed_domains": []string{"example.com"},
			"headless":        true,
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ctxID := body["context_id"].(string)

	navURL := fmt.Sprintf("%s/api/sessions/%s/navigate", env.http.URL, ctxID)

	resp, navBody := postJSON(t, navURL, map[string]any{"url": "https://example.com/"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, navBody["page_id"])
	assert.Equal(t, "https://example.com/", navBody["url"])

	resp, errBody := postJSON(t, navURL, map[string]any{"url": "https://forbidden.io/"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "DOMAIN_BLOCKED", errBody["code"])

	resp, _ = postJSON(t, env.http.URL+"/api/sessions/ctx-missing/navigate", map[string]any{"url": "https://example.com/"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventStreamProtocol(t *testing.T) {
	env := newTestEnv(t, defaultPoolConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx)

	welcome := readMessage(t, ctx, conn)
	require.Equal(t, "connection", welcome["type"])
	clientID, _ := welcome["client_id"].(string)
	require.True(t, strings.HasPrefix(clientID, "client-"))

	// Subscribe to PAGE events.
	sendMessage(t, ctx, conn, map[string]any{
		"action":      "subscribe",
		"event_types": []string{"PAGE"},
	})
	ack := readUntilType(t, ctx, conn, "subscription")
	subID, _ := ack["subscription_id"].(string)
	require.True(t, strings.HasPrefix(subID, "sub_"))

	// A navigation in a bound session produces a page.load event.
	resp, body := postJSON(t, env.http.URL+"/api/sessions", map[string]any{
		"client_id": clientID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ctxID := body["context_id"].(string)
	resp, _ = postJSON(t, fmt.Sprintf("%s/api/sessions/%s/navigate", env.http.URL, ctxID),
		map[string]any{"url": "https://example.com/"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev := readUntilType(t, ctx, conn, "PAGE")
	assert.Equal(t, "page.load", ev["event"])
	assert.Equal(t, "https://example.com/", ev["url"])

	// List shows the live subscription.
	sendMessage(t, ctx, conn, map[string]any{"action": "list"})
	list := readUntilType(t, ctx, conn, "subscriptions")
	subs, _ := list["subscriptions"].([]any)
	require.Len(t, subs, 1)

	// Unsubscribe twice: both succeed.
	for i := 0; i < 2; i++ {
		sendMessage(t, ctx, conn, map[string]any{
			"action":          "unsubscribe",
			"subscription_id": subID,
		})
		unsub := readUntilType(t, ctx, conn, "unsubscribed")
		assert.Equal(t, true, unsub["success"])
	}
}

func TestMalformedMessagesDoNotKillConnection(t *testing.T) {
	env := newTestEnv(t, defaultPoolConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx)
	readMessage(t, ctx, conn) // welcome

	// Raw garbage.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	errMsg := readUntilType(t, ctx, conn, "error")
	assert.Equal(t, "MALFORMED_MESSAGE", errMsg["code"])

	// Unknown action.
	sendMessage(t, ctx, conn, map[string]any{"action": "teleport"})
	errMsg = readUntilType(t, ctx, conn, "error")
	assert.Equal(t, "MALFORMED_MESSAGE", errMsg["code"])

	// Bad filter regex.
	sendMessage(t, ctx, conn, map[string]any{
		"action":      "subscribe",
		"event_types": []string{"PAGE"},
		"filters":     map[string]any{"url_pattern": "["},
	})
	errMsg = readUntilType(t, ctx, conn, "error")
	assert.Equal(t, "INVALID_FILTER", errMsg["code"])

	// The loop survived all of it.
	sendMessage(t, ctx, conn, map[string]any{"action": "list"})
	list := readUntilType(t, ctx, conn, "subscriptions")
	assert.NotNil(t, list["subscriptions"])
}

func TestDisconnectCascades(t *testing.T) {
	env := newTestEnv(t, defaultPoolConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, env.wsURL(), nil)
	require.NoError(t, err)

	var welcome map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &welcome))
	clientID := welcome["client_id"].(string)

	sendMessage(t, ctx, conn, map[string]any{
		"action":      "subscribe",
		"event_types": []string{"PAGE", "CONSOLE"},
	})
	var ack map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &ack))
	require.Equal(t, "subscription", ack["type"])

	// Bind a session to this client.
	resp, _ := postJSON(t, env.http.URL+"/api/sessions", map[string]any{"client_id": clientID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, env.pool.ContextCount())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))

	// Disconnect releases the bound context and the subscriptions.
	require.Eventually(t, func() bool {
		return env.pool.ContextCount() == 0
	}, 3*time.Second, 20*time.Millisecond, "bound context should be released on disconnect")

	assert.Empty(t, env.bus.List(clientID))
}

func TestSessionHistoryEndpoint(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "browserd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rt := browsertest.NewFakeRuntime()
	bus := events.NewBus(nil)
	p := pool.New(defaultPoolConfig(), rt, bus.Publish, nil, store)
	t.Cleanup(p.Cleanup)

	srv := New(Config{
		Bind:            "127.0.0.1:0",
		MaxEventClients: 8,
		EventBufferSize: 64,
		MessageInterval: time.Nanosecond,
	}, p, bus, store, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	resp, body := postJSON(t, ts.URL+"/api/sessions", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ctxID := body["context_id"].(string)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+ctxID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()

	for _, kind := range []string{"", "contexts", "instances", "audit"} {
		histResp, err := http.Get(ts.URL + "/api/sessions/history?kind=" + kind)
		require.NoError(t, err)
		var histBody map[string]any
		require.NoError(t, json.NewDecoder(histResp.Body).Decode(&histBody))
		histResp.Body.Close()
		require.Equal(t, http.StatusOK, histResp.StatusCode, "kind=%q", kind)
		count, _ := histBody["count"].(float64)
		assert.GreaterOrEqual(t, count, float64(1), "kind=%q", kind)
		assert.NotNil(t, histBody["stats"], "kind=%q", kind)
	}

	badResp, err := http.Get(ts.URL + "/api/sessions/history?kind=bogus")
	require.NoError(t, err)
	badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestHistoryWithoutStoreIs404(t *testing.T) {
	env := newTestEnv(t, defaultPoolConfig())

	resp, err := http.Get(env.http.URL + "/api/sessions/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownClientBindRejected(t *testing.T) {
	env := newTestEnv(t, defaultPoolConfig())

	resp, body := postJSON(t, env.http.URL+"/api/sessions", map[string]any{
		"client_id": "client-nope",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", body["code"])
	assert.Equal(t, 0, env.pool.ContextCount())
}
