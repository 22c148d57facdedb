package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/relayd/pkg/broker"
	"github.com/n0ot/relayd/pkg/metrics"
	"github.com/n0ot/relayd/pkg/model"
)

func startHTTP(t *testing.T, cfg Config) (*Server, *httptest.Server, string) {
	t.Helper()
	srv, addr := startServer(t, cfg)
	ts := httptest.NewServer(srv.HTTPHandler())
	t.Cleanup(ts.Close)
	return srv, ts, addr
}

func TestHTTPPublish(t *testing.T) {
	srv, ts, addr := startHTTP(t, Config{})
	c1 := dial(t, addr)
	c1.join("trip:42")
	waitStats(t, srv, func(s Stats) bool { return s.NumChannels == 1 })

	resp, err := http.Post(ts.URL+"/channels/trip:42/publish", "application/json",
		strings.NewReader(`{"event":"update","data":{"status":"enroute"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, `{"event":"update","data":{"status":"enroute"}}`, c1.next())
}

func TestHTTPPublishEscapedChannel(t *testing.T) {
	srv, ts, addr := startHTTP(t, Config{})
	c1 := dial(t, addr)
	c1.join("tenant/7")
	waitStats(t, srv, func(s Stats) bool { return s.NumChannels == 1 })

	resp, err := http.Post(ts.URL+"/channels/tenant%2F7/publish", "application/json",
		strings.NewReader(`{"event":"update","data":null}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, `{"event":"update","data":null}`, c1.next())
}

func TestHTTPPublishRejectsMalformedBody(t *testing.T) {
	_, ts, _ := startHTTP(t, Config{MaxRecordSize: 64})

	for name, body := range map[string]string{
		"not json":  `nope`,
		"no event":  `{"data":1}`,
		"too large": `{"event":"x","data":"` + strings.Repeat("x", 100) + `"}`,
	} {
		resp, err := http.Post(ts.URL+"/channels/a/publish", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.GreaterOrEqual(t, resp.StatusCode, 400, name)
		assert.Less(t, resp.StatusCode, 500, name)
	}
}

func TestHTTPStats(t *testing.T) {
	_, ts, _ := startHTTP(t, Config{StatsPassword: "secret", NodeID: "node-1"})

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/stats", nil)
	require.NoError(t, err)
	req.SetBasicAuth(StatsUser, "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth(StatsUser, "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, "node-1", stats.NodeID)
	assert.Equal(t, ModeSingle, stats.Mode)
}

func TestHTTPStatsDisabledWithoutPassword(t *testing.T) {
	_, ts, _ := startHTTP(t, Config{})

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPHealth(t *testing.T) {
	endpoint := broker.NewMemoryHub().Connect()
	_, ts, _ := startHTTP(t, Config{Broker: endpoint})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	endpoint.Close()
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
}

func TestHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, ts, addr := startHTTP(t, Config{Metrics: metrics.New(reg), Gatherer: reg})
	c1 := dial(t, addr)
	c1.sync("c1-marker")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `relayd_connections_active{transport="tcp"} 1`)
	assert.Contains(t, string(raw), `relayd_instructions_total{op="join"} 1`)
}

func TestWebSocketClient(t *testing.T) {
	srv, ts, addr := startHTTP(t, Config{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"join":"trip:9"}`)))
	waitStats(t, srv, func(s Stats) bool { return s.NumChannels == 1 })

	// A TCP client and a WebSocket client share channels.
	producer := dial(t, addr)
	producer.publish("trip:9", "update", `{"a":1}`)

	conn.SetReadDeadline(time.Now().Add(waitFor))
	mt, p, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, `{"event":"update","data":{"a":1}}`, string(p))

	conn.Close()
	waitStats(t, srv, func(s Stats) bool { return s.NumClients == 1 && s.NumChannels == 0 })
}

func TestWebSocketPublish(t *testing.T) {
	srv, ts, _ := startHTTP(t, Config{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"join":"a"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not a record`)))
	waitStats(t, srv, func(s Stats) bool { return s.NumChannels == 1 })
	require.NoError(t, srv.Publish(context.Background(), "a", model.Event{Name: "x", Data: []byte(`true`)}))

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"x","data":true}`, string(p))
}
