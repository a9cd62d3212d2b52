package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

type message struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id"`
	Data json.RawMessage `json:"data"`
}

func (m message) errorText() string {
	var e errorData
	_ = json.Unmarshal(m.Data, &e)
	return e.Error
}

type testServer struct {
	url  string
	orch *orch.Orchestrator
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rooms := app.NewRoomManager(coretest.NewEngine())
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    rooms,
		Policy:   app.SimplePolicy{},
		Metrics:  metrics.New(prometheus.NewRegistry(), rooms),
		Room:     "main",
	}
	rooms.OnCreate = o.OnRoomCreated
	ctl := NewSignalWSController(o, opts)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", "test")
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		rooms.StopRoom("main")
	})
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", orch: o}
}

type client struct {
	t      *testing.T
	ws     *websocket.Conn
	nextID int
	pushes []domain.Snapshot
}

func (s *testServer) dial(t *testing.T) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) read() message {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m message
	require.NoError(c.t, c.ws.ReadJSON(&m))
	if m.Type == "sync" {
		var snap domain.Snapshot
		require.NoError(c.t, json.Unmarshal(m.Data, &snap))
		c.pushes = append(c.pushes, snap)
	}
	return m
}

// call sends one request and returns its response, collecting sync pushes
// that arrive in between.
func (c *client) call(typ string, body any) message {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	require.NoError(c.t, c.ws.WriteJSON(map[string]any{"type": typ, "id": id, "body": body}))
	for {
		m := c.read()
		if m.Type == "sync" {
			continue
		}
		if string(m.ID) == jsonNumber(id) {
			return m
		}
	}
}

// waitPush reads until a sync push satisfies ok.
func (c *client) waitPush(ok func(domain.Snapshot) bool) domain.Snapshot {
	c.t.Helper()
	for _, snap := range c.pushes {
		if ok(snap) {
			return snap
		}
	}
	for {
		m := c.read()
		if m.Type != "sync" {
			continue
		}
		if snap := c.pushes[len(c.pushes)-1]; ok(snap) {
			return snap
		}
	}
}

func jsonNumber(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func decodeData[T any](t *testing.T, m message) T {
	t.Helper()
	require.Empty(t, m.errorText(), "unexpected error response")
	var v T
	require.NoError(t, json.Unmarshal(m.Data, &v))
	return v
}

func hasPeer(id domain.PeerID) func(domain.Snapshot) bool {
	return func(s domain.Snapshot) bool {
		_, ok := s.Peers[id]
		return ok
	}
}

func TestJoinSyncLeave(t *testing.T) {
	s := newTestServer(t, Options{})
	c := s.dial(t)

	resp := c.call("join", map[string]string{"peerId": "alice"})
	assert.Equal(t, "join", resp.Type)
	assert.Equal(t, "1", string(resp.ID))
	joined := decodeData[joinResult](t, resp)
	assert.Contains(t, string(joined.RouterRTPCapabilities), "audio/opus")
	c.waitPush(hasPeer("alice"))

	snap := decodeData[domain.Snapshot](t, c.call("sync", nil))
	require.Contains(t, snap.Peers, domain.PeerID("alice"))
	assert.Nil(t, snap.ActiveSpeaker.ProducerID)

	left := decodeData[map[string]bool](t, c.call("leave", nil))
	assert.True(t, left["left"])

	again := decodeData[map[string]bool](t, c.call("leave", nil))
	assert.True(t, again["left"], "second leave is a no-op")

	resp = c.call("sync", nil)
	assert.Equal(t, "peer not connected", resp.errorText())
}

func TestRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, Options{})
	c := s.dial(t)

	resp := c.call("nope", nil)
	assert.Equal(t, `unknown request type "nope"`, resp.errorText())

	resp = c.call("join", map[string]string{"peerId": strings.Repeat("x", 65)})
	assert.Contains(t, resp.errorText(), "invalid body")

	resp = c.call("createTransport", map[string]string{"direction": "send"})
	assert.Equal(t, "peer not connected", resp.errorText())

	c.call("join", map[string]string{"peerId": "alice"})
	resp = c.call("createTransport", map[string]string{"direction": "sideways"})
	assert.Contains(t, resp.errorText(), "invalid body")

	resp = c.call("closeTransport", map[string]string{"transportId": "missing"})
	assert.Contains(t, resp.errorText(), "missing")

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{")))
	for {
		m := c.read()
		if m.Type == "error" {
			assert.Equal(t, "malformed request", m.errorText())
			break
		}
	}
}

func TestPing(t *testing.T) {
	s := newTestServer(t, Options{})
	c := s.dial(t)

	resp := c.call("ping", nil)
	assert.Equal(t, "pong", resp.Type)
	assert.Empty(t, resp.errorText())

	caps := decodeData[joinResult](t, c.call("getRouterRtpCapabilities", nil))
	assert.NotEmpty(t, caps.RouterRTPCapabilities)
}

func TestPublishSubscribe(t *testing.T) {
	s := newTestServer(t, Options{})
	alice := s.dial(t)
	bob := s.dial(t)

	alice.call("join", map[string]string{"peerId": "alice"})
	send := decodeData[map[string]json.RawMessage](t, alice.call("createTransport", map[string]string{"direction": "send"}))
	var opts struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(send["transportOptions"], &opts))
	require.NotEmpty(t, opts.ID)

	connected := decodeData[map[string]bool](t, alice.call("connectTransport", map[string]any{
		"transportId":    opts.ID,
		"dtlsParameters": map[string]any{"role": "client", "fingerprints": []any{}},
	}))
	assert.True(t, connected["connected"])

	produced := decodeData[map[string]string](t, alice.call("sendTrack", map[string]any{
		"transportId":   opts.ID,
		"kind":          "audio",
		"rtpParameters": map[string]any{"codecs": []any{}, "encodings": []any{map[string]any{"ssrc": 1}}},
		"appData":       map[string]string{"mediaTag": "cam-audio"},
	}))
	producerID := produced["id"]
	require.NotEmpty(t, producerID)

	bob.call("join", map[string]string{"peerId": "bob"})
	snap := bob.waitPush(func(s domain.Snapshot) bool {
		p, ok := s.Peers["alice"]
		return ok && p.Media["cam-audio"] != nil
	})
	assert.False(t, snap.Peers["alice"].Media["cam-audio"].Paused)

	recv := decodeData[map[string]json.RawMessage](t, bob.call("createTransport", map[string]string{"direction": "recv"}))
	require.NoError(t, json.Unmarshal(recv["transportOptions"], &opts))

	consumed := decodeData[map[string]any](t, bob.call("receiveTrack", map[string]any{
		"mediaPeerId":     "alice",
		"mediaTag":        "cam-audio",
		"rtpCapabilities": map[string]any{"codecs": []any{}},
	}))
	assert.Equal(t, producerID, consumed["producerId"])
	assert.Equal(t, "audio", consumed["kind"])
	assert.Equal(t, "simple", consumed["type"])
	consumerID, _ := consumed["id"].(string)
	require.NotEmpty(t, consumerID)

	resumed := decodeData[map[string]bool](t, bob.call("resumeConsumer", map[string]string{"consumerId": consumerID}))
	assert.True(t, resumed["resumed"])
	layers := decodeData[map[string]bool](t, bob.call("consumer-set-layers", map[string]any{"consumerId": consumerID, "spatialLayer": 1}))
	assert.True(t, layers["layersSet"])

	paused := decodeData[map[string]bool](t, alice.call("pauseProducer", map[string]string{"producerId": producerID}))
	assert.True(t, paused["paused"])

	closed := decodeData[map[string]bool](t, alice.call("closeProducer", map[string]string{"producerId": producerID}))
	assert.True(t, closed["closed"])
	bob.waitPush(func(s domain.Snapshot) bool {
		p, ok := s.Peers["alice"]
		return ok && p.Media["cam-audio"] == nil
	})

	resp := bob.call("receiveTrack", map[string]any{
		"mediaPeerId":     "alice",
		"mediaTag":        "cam-audio",
		"rtpCapabilities": map[string]any{"codecs": []any{}},
	})
	assert.Equal(t, "server-side producer for alice:cam-audio not found", resp.errorText())
}

func TestDisconnectLeavesRoom(t *testing.T) {
	s := newTestServer(t, Options{})
	alice := s.dial(t)
	bob := s.dial(t)

	alice.call("join", map[string]string{"peerId": "alice"})
	bob.call("join", map[string]string{"peerId": "bob"})
	bob.waitPush(hasPeer("alice"))

	require.NoError(t, alice.ws.Close())
	bob.pushes = nil
	snap := bob.waitPush(func(s domain.Snapshot) bool { return !hasPeer("alice")(s) })
	assert.Contains(t, snap.Peers, domain.PeerID("bob"))

	require.Eventually(t, func() bool { return s.orch.Registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimitedRequests(t *testing.T) {
	s := newTestServer(t, Options{RateLimit: 2, RateInterval: time.Minute})
	c := s.dial(t)

	assert.Equal(t, "pong", c.call("ping", nil).Type)
	assert.Equal(t, "pong", c.call("ping", nil).Type)
	resp := c.call("ping", nil)
	assert.Equal(t, "ping", resp.Type)
	assert.Equal(t, "rate limited", resp.errorText())
}

func TestFailedCloseStillBroadcasts(t *testing.T) {
	s := newTestServer(t, Options{})
	alice := s.dial(t)
	bob := s.dial(t)

	alice.call("join", map[string]string{"peerId": "alice"})
	alice.waitPush(hasPeer("alice"))
	bob.call("join", map[string]string{"peerId": "bob"})
	bob.waitPush(func(s domain.Snapshot) bool { return hasPeer("alice")(s) && hasPeer("bob")(s) })

	for _, tc := range []struct {
		typ  string
		body map[string]string
	}{
		{"closeTransport", map[string]string{"transportId": "missing"}},
		{"closeProducer", map[string]string{"producerId": "missing"}},
	} {
		bob.pushes = nil
		resp := alice.call(tc.typ, tc.body)
		assert.Contains(t, resp.errorText(), "missing", tc.typ)
		snap := bob.waitPush(func(domain.Snapshot) bool { return true })
		assert.Contains(t, snap.Peers, domain.PeerID("alice"), tc.typ)
	}
}

func newConnController(writeTimeout time.Duration) (*SignalWSController, *orch.Orchestrator) {
	return newConnControllerOn(coretest.NewEngine(), writeTimeout)
}

func newConnControllerOn(engine *coretest.Engine, writeTimeout time.Duration) (*SignalWSController, *orch.Orchestrator) {
	rooms := app.NewRoomManager(engine)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    rooms,
		Policy:   app.TolerantPolicy{},
		Room:     "main",
	}
	return NewSignalWSController(o, Options{WriteTimeout: writeTimeout}), o
}

func TestResponseOnFullQueueKicksSession(t *testing.T) {
	ctl, o := newConnController(20 * time.Millisecond)
	conn := &wsSignalConn{send: make(chan core.Frame, 1)}
	conn.send <- core.Frame("busy")
	var kicked atomic.Bool
	o.Registry.BindSignal("s1", conn, func() { kicked.Store(true) })

	ctl.handleSignal(context.Background(), "s1", conn, []byte(`{"type":"ping","id":1}`))

	assert.True(t, kicked.Load(), "kicked even though the broadcast policy only drops")
	assert.Len(t, conn.send, 1)
}

func TestResponseWaitsForQueueSpace(t *testing.T) {
	ctl, o := newConnController(2 * time.Second)
	conn := &wsSignalConn{send: make(chan core.Frame, 1)}
	conn.send <- core.Frame("busy")
	var kicked atomic.Bool
	o.Registry.BindSignal("s1", conn, func() { kicked.Store(true) })

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-conn.send
	}()
	ctl.handleSignal(context.Background(), "s1", conn, []byte(`{"type":"ping","id":1}`))

	assert.False(t, kicked.Load())
	require.Len(t, conn.send, 1)
	var m message
	require.NoError(t, json.Unmarshal(<-conn.send, &m))
	assert.Equal(t, "pong", m.Type)
	assert.Equal(t, "1", string(m.ID))
}

func TestKickDoesNotCancelEngineCalls(t *testing.T) {
	engine := coretest.NewEngine()
	ctl, o := newConnControllerOn(engine, time.Second)
	t.Cleanup(func() { o.Rooms.StopRoom("main") })
	conn := &wsSignalConn{send: make(chan core.Frame, 8)}
	o.Registry.BindSignal("s1", conn, func() {})

	ctl.handleSignal(context.Background(), "s1", conn, []byte(`{"type":"join","id":1,"body":{"peerId":"alice"}}`))

	kicked, cancel := context.WithCancel(context.Background())
	cancel()
	ctl.handleSignal(kicked, "s1", conn, []byte(`{"type":"createTransport","id":2,"body":{"direction":"send"}}`))

	var m message
	for len(conn.send) > 0 {
		require.NoError(t, json.Unmarshal(<-conn.send, &m))
		if m.Type == "createTransport" {
			break
		}
	}
	assert.Equal(t, "createTransport", m.Type)
	assert.Empty(t, m.errorText())
	assert.NoError(t, engine.Router("main").CreateCtxErr())
}
