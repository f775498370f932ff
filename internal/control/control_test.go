package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/fbpace/internal/config"
	"github.com/NodePath81/fbpace/internal/metrics"
	"github.com/NodePath81/fbpace/internal/transfer"
	"github.com/NodePath81/fbpace/internal/version"
)

const testToken = "secret"

type fixture struct {
	server   *httptest.Server
	status   *StatusStore
	metrics  *metrics.Metrics
	restarts *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Default()
	cfg.Hostname = "bench-a"
	cfg.Rate = "8m"
	cfg.RateBits = 8_000_000
	cfg.Control.Enabled = true
	cfg.Control.AuthToken = testToken

	hub := NewStatusHub(ctx.Done())
	status := NewStatusStore(hub)
	m := metrics.NewMetrics(cfg.Hostname)
	restarts := &atomic.Int32{}
	srv := NewControlServer(cfg, m, status, func() error {
		restarts.Add(1)
		return nil
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, status: status, metrics: m, restarts: restarts}
}

func (f *fixture) rpc(t *testing.T, token, method string, params any) (int, rpcResponse) {
	t.Helper()
	body := map[string]any{"method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/rpc", bytes.NewReader(raw))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestRPCRequiresAuth(t *testing.T) {
	f := newFixture(t)
	code, resp := f.rpc(t, "", "list_connections", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.False(t, resp.Ok)

	code, _ = f.rpc(t, "wrong!", "list_connections", nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestRPCRejectsGet(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/rpc", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListAndCloseConnections(t *testing.T) {
	f := newFixture(t)
	closed := make(chan struct{}, 1)
	f.status.Attach("c1", func() { closed <- struct{}{} })
	f.status.Started("c1", "10.0.0.2:40000", transfer.Receive)
	f.status.Progress("c1", transfer.Receive, 1500)

	code, resp := f.rpc(t, testToken, "list_connections", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Ok)
	entries, ok := resp.Result.([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	require.Equal(t, "c1", entry["id"])
	require.Equal(t, "receive", entry["direction"])
	require.EqualValues(t, 1500, entry["bytes"])

	code, resp = f.rpc(t, testToken, "close_connection", map[string]string{"id": "c1"})
	require.Equal(t, http.StatusOK, code, resp.Error)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("closer not invoked")
	}

	code, _ = f.rpc(t, testToken, "close_connection", map[string]string{"id": "nope"})
	require.Equal(t, http.StatusNotFound, code)
	code, _ = f.rpc(t, testToken, "close_connection", map[string]string{})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestGetStatusAndConfig(t *testing.T) {
	f := newFixture(t)
	f.metrics.Started("c1", "peer", transfer.Send)
	f.metrics.Progress("c1", transfer.Send, 4096)

	code, resp := f.rpc(t, testToken, "get_status", nil)
	require.Equal(t, http.StatusOK, code)
	result := resp.Result.(map[string]any)
	require.Equal(t, "bench-a", result["hostname"])
	require.Equal(t, "8 Mbps", result["rate"])
	totals := result["totals"].(map[string]any)
	require.EqualValues(t, 4096, totals["bytes_sent"])
	require.EqualValues(t, 1, totals["active_connections"])

	code, resp = f.rpc(t, testToken, "get_runtime_config", nil)
	require.Equal(t, http.StatusOK, code)
	result = resp.Result.(map[string]any)
	require.Equal(t, "8m", result["rate"])
	require.Contains(t, result, "transfer")
}

func TestRestartAndUnknownMethod(t *testing.T) {
	f := newFixture(t)
	code, resp := f.rpc(t, testToken, "restart", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Ok)
	require.Eventually(t, func() bool { return f.restarts.Load() == 1 }, time.Second, 5*time.Millisecond)

	code, resp = f.rpc(t, testToken, "reboot", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "unknown method", resp.Error)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "fbpace_active_connections")
}

func TestIdentity(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/identity", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	result := out.Result.(map[string]any)
	require.Equal(t, "bench-a", result["hostname"])
	require.Equal(t, version.Version, result["version"])
}

func readMessage(t *testing.T, conn *websocket.Conn) statusMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg statusMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips hub events that raced with the subscription.
func readUntil(t *testing.T, conn *websocket.Conn, match func(statusMessage) bool) statusMessage {
	t.Helper()
	for i := 0; i < 10; i++ {
		if msg := readMessage(t, conn); match(msg) {
			return msg
		}
	}
	t.Fatal("expected message not received")
	return statusMessage{}
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t)
	f.status.Started("old", "10.0.0.9:1", transfer.Send)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/status"
	_, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	msg := readUntil(t, conn, func(m statusMessage) bool { return m.Type == "snapshot" })
	require.Len(t, msg.Connections, 1)
	require.Equal(t, "old", msg.Connections[0].ID)

	f.status.Started("new", "10.0.0.9:2", transfer.Receive)
	msg = readUntil(t, conn, func(m statusMessage) bool { return m.Type == "add" && m.Entry.ID == "new" })
	require.Equal(t, "10.0.0.9:2", msg.Entry.Peer)

	f.status.Finished(transfer.Report{ID: "new", Direction: transfer.Receive, Bytes: 10, Reason: transfer.ReasonPeerClosed})
	msg = readUntil(t, conn, func(m statusMessage) bool { return m.Type == "remove" })
	require.Equal(t, "new", msg.ID)
	require.Equal(t, "peer_closed", msg.Entry.Reason)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "interval_ms": 7}))
	msg = readMessage(t, conn)
	require.Equal(t, "error", msg.Type)
	require.Equal(t, "invalid_interval", msg.Error.Code)
}

func TestStatusStreamTokenSubprotocol(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/status"
	dialer := websocket.Dialer{
		Subprotocols: []string{wsPrimaryProtocol, wsTokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(testToken))},
	}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, wsPrimaryProtocol, resp.Header.Get("Sec-Websocket-Protocol"))
	readUntil(t, conn, func(m statusMessage) bool { return m.Type == "snapshot" })
}

func TestStatusStoreCloseAll(t *testing.T) {
	store := NewStatusStore(nil)
	var calls atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		store.Attach(id, func() { calls.Add(1) })
		store.Started(id, "peer", transfer.Send)
	}
	require.Equal(t, 3, store.Len())
	store.CloseAll()
	require.EqualValues(t, 3, calls.Load())

	store.Finished(transfer.Report{ID: "b", Err: errors.New("boom"), Reason: transfer.ReasonTransferError})
	require.Equal(t, 2, store.Len())
	require.False(t, store.Close("b"))
	require.True(t, store.Close("a"))
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(1, 2, time.Minute)
	rl.now = func() time.Time { return now }

	require.False(t, rl.Allow(""))
	require.True(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))
	// Other clients have their own bucket.
	require.True(t, rl.Allow("10.0.0.2"))

	now = now.Add(time.Second)
	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))

	// An idle client starts over with a full bucket.
	now = now.Add(2 * time.Minute)
	require.True(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.1"))
}
