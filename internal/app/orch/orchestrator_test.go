package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/dkeye/huddle/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
}

func (r *recorder) TrySend(f core.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return errors.New("backpressure")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) last(t *testing.T) domain.Snapshot {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.frames)
	var push SyncPush
	require.NoError(t, json.Unmarshal(r.frames[len(r.frames)-1], &push))
	assert.Equal(t, "sync", push.Type)
	return push.Data
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type harness struct {
	o      *Orchestrator
	engine *coretest.Engine
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{engine: coretest.NewEngine(), clock: time.UnixMilli(1_000)}
	rooms := app.NewRoomManager(h.engine, core.WithClock(func() time.Time { return h.clock }))
	h.o = &Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    rooms,
		Policy:   app.SimplePolicy{},
		Room:     "main",
	}
	rooms.OnCreate = h.o.OnRoomCreated
	t.Cleanup(func() { rooms.StopRoom("main") })
	return h
}

func (h *harness) connect(sid core.SessionID) (*recorder, *bool) {
	rec := &recorder{}
	canceled := new(bool)
	h.o.Registry.BindSignal(sid, rec, func() { *canceled = true })
	return rec, canceled
}

func (h *harness) room(t *testing.T) *core.Room {
	t.Helper()
	r, ok := h.o.Rooms.Get("main")
	require.True(t, ok)
	return r
}

func TestJoinReturnsCapabilities(t *testing.T) {
	h := newHarness(t)
	h.connect("s1")

	caps, err := h.o.Join(context.Background(), "s1", "alice")
	require.NoError(t, err)
	assert.Contains(t, string(caps), "audio/opus")

	snap := h.room(t).Snapshot()
	require.Contains(t, snap.Peers, domain.PeerID("alice"))
	assert.Equal(t, int64(1_000), snap.Peers["alice"].JoinTs)
	assert.Equal(t, int64(1_000), snap.Peers["alice"].LastSeenTs)
	assert.Empty(t, snap.Peers["alice"].Media)

	_, err = h.o.Join(context.Background(), "s1", "")
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestJoinThenLeaveLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("s1")

	_, err := h.o.Join(ctx, "s1", "alice")
	require.NoError(t, err)
	params, err := h.o.CreateTransport(ctx, "s1", domain.DirectionSend)
	require.NoError(t, err)
	_, err = h.o.SendTrack(ctx, "s1", SendTrack{TransportID: params.ID, Kind: domain.KindAudio, MediaTag: "mic-audio"})
	require.NoError(t, err)

	require.NoError(t, h.o.Leave(ctx, "s1"))
	require.NoError(t, h.o.Leave(ctx, "s1"), "double leave is a no-op")

	room := h.room(t)
	room.Flush()
	peers, transports, producers, consumers := room.Counts()
	assert.Zero(t, peers+transports+producers+consumers)
	assert.True(t, h.engine.Router("main").Transport(params.ID).Closed())

	_, err = h.o.Sync(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestRejoinReplacesPeer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("s1")
	h.connect("s2")

	_, err := h.o.Join(ctx, "s1", "alice")
	require.NoError(t, err)
	params, err := h.o.CreateTransport(ctx, "s1", domain.DirectionSend)
	require.NoError(t, err)

	h.clock = time.UnixMilli(5_000)
	_, err = h.o.Join(ctx, "s2", "alice")
	require.NoError(t, err)

	assert.True(t, h.engine.Router("main").Transport(params.ID).Closed())
	snap := h.room(t).Snapshot()
	assert.Equal(t, int64(5_000), snap.Peers["alice"].JoinTs)
	_, _, ok := h.o.Registry.PeerOf("s1")
	assert.False(t, ok, "old session no longer speaks for alice")

	_, err = h.o.CreateTransport(ctx, "s2", domain.DirectionSend)
	assert.NoError(t, err, "fresh peer may open a send transport again")
}

func TestSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("s1")

	_, err := h.o.Sync(ctx, "s1")
	require.ErrorIs(t, err, domain.ErrNotConnected)

	_, err = h.o.Join(ctx, "s1", "alice")
	require.NoError(t, err)
	h.clock = time.UnixMilli(9_000)

	snap, err := h.o.Sync(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(9_000), snap.Peers["alice"].LastSeenTs)
	assert.Equal(t, int64(1_000), snap.Peers["alice"].JoinTs)
}

func TestPublishAndSubscribe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("s-alice")
	h.connect("s-bob")
	_, err := h.o.Join(ctx, "s-alice", "alice")
	require.NoError(t, err)
	_, err = h.o.Join(ctx, "s-bob", "bob")
	require.NoError(t, err)

	_, err = h.o.ReceiveTrack(ctx, "s-bob", "alice", "cam-video", nil)
	require.ErrorIs(t, err, domain.ErrNotFound, "nothing published yet")

	send, err := h.o.CreateTransport(ctx, "s-alice", domain.DirectionSend)
	require.NoError(t, err)
	_, err = h.o.CreateTransport(ctx, "s-bob", domain.DirectionRecv)
	require.NoError(t, err)
	pid, err := h.o.SendTrack(ctx, "s-alice", SendTrack{
		TransportID:   send.ID,
		Kind:          domain.KindVideo,
		RTPParameters: json.RawMessage(`{"encodings":[{"ssrc":1}]}`),
		MediaTag:      "cam-video",
	})
	require.NoError(t, err)

	info, err := h.o.ReceiveTrack(ctx, "s-bob", "alice", "cam-video", nil)
	require.NoError(t, err)
	assert.Equal(t, pid, info.ProducerID)
	require.NoError(t, h.o.ResumeConsumer(ctx, "s-bob", info.ID))
	require.NoError(t, h.o.SetConsumerLayers(ctx, "s-bob", info.ID, 0))

	require.NoError(t, h.o.CloseProducer(ctx, "s-alice", pid))
	h.room(t).Flush()
	snap, err := h.o.Sync(ctx, "s-bob")
	require.NoError(t, err)
	assert.NotContains(t, snap.Peers["alice"].Media, domain.MediaTag("cam-video"))
	assert.Empty(t, snap.Peers["bob"].ConsumerLayers)

	require.NoError(t, h.o.CloseConsumer(ctx, "s-bob", info.ID), "already gone with its producer")
	_, err = h.o.CreateTransport(ctx, "s-stranger", domain.DirectionSend)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestBroadcastKicksSlowSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, aliceKicked := h.connect("s1")
	bob, bobKicked := h.connect("s2")
	_, err := h.o.Join(ctx, "s1", "alice")
	require.NoError(t, err)
	_, err = h.o.Join(ctx, "s2", "bob")
	require.NoError(t, err)

	bob.full = true
	h.o.Broadcast(h.room(t))

	snap := alice.last(t)
	assert.Len(t, snap.Peers, 2)
	assert.False(t, *aliceKicked)
	assert.True(t, *bobKicked)
}

func TestBroadcastDropPolicyKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.o.Policy = app.TolerantPolicy{}
	rec, kicked := h.connect("s1")
	_, err := h.o.Join(context.Background(), "s1", "alice")
	require.NoError(t, err)

	rec.full = true
	h.o.Broadcast(h.room(t))
	assert.False(t, *kicked)
}

func TestDisconnectLeavesPeer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("s1")
	bob, _ := h.connect("s2")
	_, err := h.o.Join(ctx, "s1", "alice")
	require.NoError(t, err)
	_, err = h.o.Join(ctx, "s2", "bob")
	require.NoError(t, err)

	h.o.Disconnect(ctx, "s1")

	snap := bob.last(t)
	assert.NotContains(t, snap.Peers, domain.PeerID("alice"))
	assert.Contains(t, snap.Peers, domain.PeerID("bob"))
	_, ok := h.o.Registry.GetSignal("s1")
	assert.False(t, ok)
}

func TestActiveSpeakerIsBroadcast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("s1")
	bob, _ := h.connect("s2")
	_, err := h.o.Join(ctx, "s1", "alice")
	require.NoError(t, err)
	_, err = h.o.Join(ctx, "s2", "bob")
	require.NoError(t, err)
	send, err := h.o.CreateTransport(ctx, "s1", domain.DirectionSend)
	require.NoError(t, err)
	pid, err := h.o.SendTrack(ctx, "s1", SendTrack{TransportID: send.ID, Kind: domain.KindAudio, MediaTag: "mic-audio"})
	require.NoError(t, err)

	before := bob.count()
	h.engine.Router("main").EmitAudioLevel(core.AudioLevelEvent{ProducerID: pid, Volume: -12})
	h.room(t).Flush()

	require.Greater(t, bob.count(), before)
	as := bob.last(t).ActiveSpeaker
	require.False(t, as.Empty())
	assert.Equal(t, domain.PeerID("alice"), *as.PeerID)
}

func TestEngineCloseIsBroadcast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("s1")
	bob, _ := h.connect("s2")
	_, err := h.o.Join(ctx, "s1", "alice")
	require.NoError(t, err)
	_, err = h.o.Join(ctx, "s2", "bob")
	require.NoError(t, err)
	send, err := h.o.CreateTransport(ctx, "s1", domain.DirectionSend)
	require.NoError(t, err)
	pid, err := h.o.SendTrack(ctx, "s1", SendTrack{TransportID: send.ID, Kind: domain.KindVideo, MediaTag: "cam-video"})
	require.NoError(t, err)
	h.o.Broadcast(h.room(t))
	require.Contains(t, bob.last(t).Peers["alice"].Media, domain.MediaTag("cam-video"))

	before := bob.count()
	h.engine.Router("main").Transport(send.ID).Fail()
	h.room(t).Flush()

	require.Greater(t, bob.count(), before)
	assert.NotContains(t, bob.last(t).Peers["alice"].Media, domain.MediaTag("cam-video"))

	send, err = h.o.CreateTransport(ctx, "s1", domain.DirectionSend)
	require.NoError(t, err)
	pid, err = h.o.SendTrack(ctx, "s1", SendTrack{TransportID: send.ID, Kind: domain.KindVideo, MediaTag: "cam-video"})
	require.NoError(t, err)
	h.o.Broadcast(h.room(t))

	before = bob.count()
	h.engine.Router("main").Producer(pid).Fail()
	h.room(t).Flush()

	require.Greater(t, bob.count(), before)
	assert.NotContains(t, bob.last(t).Peers["alice"].Media, domain.MediaTag("cam-video"))
}

func TestRouterCapabilitiesWithoutJoin(t *testing.T) {
	h := newHarness(t)
	caps, err := h.o.RouterCapabilities(context.Background())
	require.NoError(t, err)
	assert.True(t, json.Valid(caps))
}

func TestEvictRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, kicked := h.connect("s1")
	_, err := h.o.Join(ctx, "s1", "alice")
	require.NoError(t, err)

	h.o.EvictRoom(ctx, "main")
	assert.True(t, *kicked)
	_, ok := h.o.Rooms.Get("main")
	assert.False(t, ok)
}
