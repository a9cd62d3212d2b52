package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/domain"
)

func seed(t *testing.T) *Store {
	t.Helper()
	s := NewStore(16)
	s.AddPeer(domain.NewPeer("alice", 1))
	s.AddPeer(domain.NewPeer("bob", 1))
	s.AddTransport(&TransportRecord{ID: "t-alice-send", PeerID: "alice", Direction: domain.DirectionSend})
	s.AddTransport(&TransportRecord{ID: "t-bob-recv", PeerID: "bob", Direction: domain.DirectionRecv})
	s.AddProducer(&ProducerRecord{ID: "p1", PeerID: "alice", TransportID: "t-alice-send", Kind: domain.KindVideo, MediaTag: "cam-video"})
	s.AddConsumer(&ConsumerRecord{ID: "c1", PeerID: "bob", SourcePeerID: "alice", ProducerID: "p1", TransportID: "t-bob-recv", Kind: domain.KindVideo, MediaTag: "cam-video"})
	return s
}

func TestStoreIndexes(t *testing.T) {
	s := seed(t)

	p, ok := s.ProducerByTag("alice", "cam-video")
	require.True(t, ok)
	assert.Equal(t, domain.ProducerID("p1"), p.ID)

	_, ok = s.ProducerByTag("alice", "mic-audio")
	assert.False(t, ok)

	tr, ok := s.TransportFor("bob", domain.DirectionRecv)
	require.True(t, ok)
	assert.Equal(t, domain.TransportID("t-bob-recv"), tr.ID)

	_, ok = s.TransportFor("bob", domain.DirectionSend)
	assert.False(t, ok)

	alice, _ := s.Peer("alice")
	assert.Contains(t, alice.Media, domain.MediaTag("cam-video"))
	bob, _ := s.Peer("bob")
	assert.Contains(t, bob.ConsumerLayers, domain.ConsumerID("c1"))
}

func TestStoreRemoveTransportCascades(t *testing.T) {
	s := seed(t)

	rm, ok := s.RemoveTransport("t-alice-send")
	require.True(t, ok)
	assert.Len(t, rm.Transports, 1)
	assert.Len(t, rm.Producers, 1)
	assert.Len(t, rm.Consumers, 1, "consumer of the removed producer goes too")

	_, ok = s.Producer("p1")
	assert.False(t, ok)
	_, ok = s.Consumer("c1")
	assert.False(t, ok)

	alice, _ := s.Peer("alice")
	assert.Empty(t, alice.Media)
	bob, _ := s.Peer("bob")
	assert.Empty(t, bob.ConsumerLayers)

	again, ok := s.RemoveTransport("t-alice-send")
	assert.False(t, ok)
	assert.True(t, again.Empty())
	assert.True(t, s.WasClosed("transport", "t-alice-send"))
	assert.True(t, s.WasClosed("producer", "p1"))
	assert.True(t, s.WasClosed("consumer", "c1"))
	assert.False(t, s.WasClosed("consumer", "never"))
}

func TestStoreRemoveRecvTransportKeepsProducers(t *testing.T) {
	s := seed(t)

	rm, ok := s.RemoveTransport("t-bob-recv")
	require.True(t, ok)
	assert.Empty(t, rm.Producers)
	assert.Len(t, rm.Consumers, 1)

	_, ok = s.Producer("p1")
	assert.True(t, ok)
}

func TestStoreRemovePeer(t *testing.T) {
	s := seed(t)

	_, ok := s.RemovePeer("alice")
	require.True(t, ok)

	_, ok = s.Peer("alice")
	assert.False(t, ok)
	assert.Empty(t, s.TransportsOf("alice"))
	_, ok = s.ProducerByTag("alice", "cam-video")
	assert.False(t, ok)
	assert.Empty(t, s.ConsumersOf("bob"))

	peers, transports, producers, consumers := s.Counts()
	assert.Equal(t, 1, peers)
	assert.Equal(t, 1, transports)
	assert.Equal(t, 0, producers)
	assert.Equal(t, 0, consumers)
}

func TestStoreActiveSpeakerClearedWithProducer(t *testing.T) {
	s := seed(t)
	pid := domain.ProducerID("p1")
	peer := domain.PeerID("alice")
	vol := -20.0
	s.SetActiveSpeaker(domain.ActiveSpeaker{ProducerID: &pid, PeerID: &peer, Volume: &vol})

	_, ok := s.RemoveProducer("p1")
	require.True(t, ok)
	assert.True(t, s.ActiveSpeaker().Empty())
}

func TestStoreLayers(t *testing.T) {
	s := seed(t)
	two := 2
	require.True(t, s.SetCurrentLayer("c1", &two))
	require.True(t, s.SetClientSelectedLayer("c1", 1))
	assert.False(t, s.SetCurrentLayer("missing", &two))

	bob, _ := s.Peer("bob")
	l := bob.ConsumerLayers["c1"]
	require.NotNil(t, l.CurrentLayer)
	require.NotNil(t, l.ClientSelectedLayer)
	assert.Equal(t, 2, *l.CurrentLayer)
	assert.Equal(t, 1, *l.ClientSelectedLayer)
}

func TestStoreSnapshotIsDetached(t *testing.T) {
	s := seed(t)
	snap := s.Snapshot()

	s.SetProducerPaused("p1", true)
	_, _ = s.RemovePeer("bob")

	require.Contains(t, snap.Peers, domain.PeerID("bob"))
	assert.False(t, snap.Peers["alice"].Media["cam-video"].Paused)
	assert.Equal(t, []domain.PeerID{"alice"}, s.PeerIDs())
}
