package core

import (
	"encoding/json"
	"slices"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/looplab/fsm"

	"github.com/dkeye/huddle/internal/domain"
)

const DefaultTombstones = 4096

// Tombstone kinds accepted by WasClosed.
const (
	KindPeer      = "peer"
	KindTransport = "transport"
	KindProducer  = "producer"
	KindConsumer  = "consumer"
)

type TransportRecord struct {
	ID        domain.TransportID
	PeerID    domain.PeerID
	Direction domain.Direction
	Handle    MediaTransport
}

type ProducerRecord struct {
	ID          domain.ProducerID
	PeerID      domain.PeerID
	TransportID domain.TransportID
	Kind        domain.MediaKind
	MediaTag    domain.MediaTag
	Paused      bool
	Encodings   json.RawMessage
	Handle      MediaProducer
}

type ConsumerRecord struct {
	ID           domain.ConsumerID
	PeerID       domain.PeerID
	SourcePeerID domain.PeerID
	ProducerID   domain.ProducerID
	TransportID  domain.TransportID
	Kind         domain.MediaKind
	MediaTag     domain.MediaTag
	Handle       MediaConsumer
	State        *fsm.FSM
}

// Removed lists everything a cascading removal took out of the store.
type Removed struct {
	Transports []*TransportRecord
	Producers  []*ProducerRecord
	Consumers  []*ConsumerRecord
}

func (r *Removed) merge(o Removed) {
	r.Transports = append(r.Transports, o.Transports...)
	r.Producers = append(r.Producers, o.Producers...)
	r.Consumers = append(r.Consumers, o.Consumers...)
}

func (r Removed) Empty() bool {
	return len(r.Transports) == 0 && len(r.Producers) == 0 && len(r.Consumers) == 0
}

type tagKey struct {
	peer domain.PeerID
	tag  domain.MediaTag
}

// Store is the in-memory state of one room. It is not safe for concurrent
// use; Room serializes access to it.
type Store struct {
	peers      map[domain.PeerID]*domain.Peer
	transports []*TransportRecord
	producers  []*ProducerRecord
	consumers  []*ConsumerRecord

	transportByID map[domain.TransportID]*TransportRecord
	producerByID  map[domain.ProducerID]*ProducerRecord
	producerByTag map[tagKey]*ProducerRecord
	consumerByID  map[domain.ConsumerID]*ConsumerRecord

	activeSpeaker domain.ActiveSpeaker

	// ids removed recently, so a late second close can be told apart from a bogus id
	closed *lru.Cache[string, struct{}]
}

func NewStore(tombstones int) *Store {
	if tombstones <= 0 {
		tombstones = DefaultTombstones
	}
	closed, _ := lru.New[string, struct{}](tombstones)
	return &Store{
		peers:         make(map[domain.PeerID]*domain.Peer),
		transportByID: make(map[domain.TransportID]*TransportRecord),
		producerByID:  make(map[domain.ProducerID]*ProducerRecord),
		producerByTag: make(map[tagKey]*ProducerRecord),
		consumerByID:  make(map[domain.ConsumerID]*ConsumerRecord),
		closed:        closed,
	}
}

// peers

func (s *Store) Peer(id domain.PeerID) (*domain.Peer, bool) {
	p, ok := s.peers[id]
	return p, ok
}

func (s *Store) AddPeer(p *domain.Peer) {
	s.peers[p.ID] = p
}

// RemovePeer drops the peer record together with everything it owns and
// every consumer subscribed to its producers.
func (s *Store) RemovePeer(id domain.PeerID) (Removed, bool) {
	var out Removed
	for _, t := range s.TransportsOf(id) {
		rm, _ := s.RemoveTransport(t.ID)
		out.merge(rm)
	}
	for _, p := range slices.Clone(s.producers) {
		if p.PeerID == id {
			rm, _ := s.RemoveProducer(p.ID)
			out.merge(rm)
		}
	}
	for _, c := range slices.Clone(s.consumers) {
		if c.PeerID == id {
			rm, _ := s.RemoveConsumer(c.ID)
			out.merge(rm)
		}
	}
	_, ok := s.peers[id]
	delete(s.peers, id)
	if ok {
		s.tombstone(KindPeer, string(id))
	}
	return out, ok
}

func (s *Store) PeerIDs() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// transports

func (s *Store) AddTransport(t *TransportRecord) {
	s.transports = append(s.transports, t)
	s.transportByID[t.ID] = t
}

func (s *Store) Transport(id domain.TransportID) (*TransportRecord, bool) {
	t, ok := s.transportByID[id]
	return t, ok
}

func (s *Store) TransportsOf(peer domain.PeerID) []*TransportRecord {
	var out []*TransportRecord
	for _, t := range s.transports {
		if t.PeerID == peer {
			out = append(out, t)
		}
	}
	return out
}

// TransportFor returns the first transport of peer in the given direction.
func (s *Store) TransportFor(peer domain.PeerID, dir domain.Direction) (*TransportRecord, bool) {
	for _, t := range s.transports {
		if t.PeerID == peer && t.Direction == dir {
			return t, true
		}
	}
	return nil, false
}

// RemoveTransport removes the transport and cascades to every producer and
// consumer whose owning transport matches it.
func (s *Store) RemoveTransport(id domain.TransportID) (Removed, bool) {
	var out Removed
	t, ok := s.transportByID[id]
	if !ok {
		return out, false
	}
	delete(s.transportByID, id)
	s.transports = slices.DeleteFunc(s.transports, func(x *TransportRecord) bool { return x.ID == id })
	s.tombstone(KindTransport, string(id))
	out.Transports = append(out.Transports, t)

	for _, p := range slices.Clone(s.producers) {
		if p.TransportID == id {
			rm, _ := s.RemoveProducer(p.ID)
			out.merge(rm)
		}
	}
	for _, c := range slices.Clone(s.consumers) {
		if c.TransportID == id {
			rm, _ := s.RemoveConsumer(c.ID)
			out.merge(rm)
		}
	}
	return out, true
}

// producers

func (s *Store) AddProducer(p *ProducerRecord) {
	s.producers = append(s.producers, p)
	s.producerByID[p.ID] = p
	s.producerByTag[tagKey{p.PeerID, p.MediaTag}] = p
	if peer, ok := s.peers[p.PeerID]; ok {
		peer.Media[p.MediaTag] = &domain.MediaInfo{Paused: p.Paused, Encodings: p.Encodings}
	}
}

func (s *Store) Producer(id domain.ProducerID) (*ProducerRecord, bool) {
	p, ok := s.producerByID[id]
	return p, ok
}

func (s *Store) ProducerByTag(peer domain.PeerID, tag domain.MediaTag) (*ProducerRecord, bool) {
	p, ok := s.producerByTag[tagKey{peer, tag}]
	return p, ok
}

func (s *Store) SetProducerPaused(id domain.ProducerID, paused bool) bool {
	p, ok := s.producerByID[id]
	if !ok {
		return false
	}
	p.Paused = paused
	if peer, ok := s.peers[p.PeerID]; ok {
		if m, ok := peer.Media[p.MediaTag]; ok {
			m.Paused = paused
		}
	}
	return true
}

// RemoveProducer removes the producer, its media-tag entry on the owning
// peer, and every consumer fed by it.
func (s *Store) RemoveProducer(id domain.ProducerID) (Removed, bool) {
	var out Removed
	p, ok := s.producerByID[id]
	if !ok {
		return out, false
	}
	delete(s.producerByID, id)
	key := tagKey{p.PeerID, p.MediaTag}
	if cur, ok := s.producerByTag[key]; ok && cur.ID == id {
		delete(s.producerByTag, key)
	}
	s.producers = slices.DeleteFunc(s.producers, func(x *ProducerRecord) bool { return x.ID == id })
	if peer, ok := s.peers[p.PeerID]; ok {
		delete(peer.Media, p.MediaTag)
	}
	if s.activeSpeaker.ProducerID != nil && *s.activeSpeaker.ProducerID == id {
		s.activeSpeaker = domain.ActiveSpeaker{}
	}
	s.tombstone(KindProducer, string(id))
	out.Producers = append(out.Producers, p)

	for _, c := range slices.Clone(s.consumers) {
		if c.ProducerID == id {
			rm, _ := s.RemoveConsumer(c.ID)
			out.merge(rm)
		}
	}
	return out, true
}

// consumers

func (s *Store) AddConsumer(c *ConsumerRecord) {
	s.consumers = append(s.consumers, c)
	s.consumerByID[c.ID] = c
	if peer, ok := s.peers[c.PeerID]; ok {
		peer.ConsumerLayers[c.ID] = domain.ConsumerLayer{}
	}
}

func (s *Store) Consumer(id domain.ConsumerID) (*ConsumerRecord, bool) {
	c, ok := s.consumerByID[id]
	return c, ok
}

func (s *Store) ConsumersOf(peer domain.PeerID) []*ConsumerRecord {
	var out []*ConsumerRecord
	for _, c := range s.consumers {
		if c.PeerID == peer {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) RemoveConsumer(id domain.ConsumerID) (Removed, bool) {
	var out Removed
	c, ok := s.consumerByID[id]
	if !ok {
		return out, false
	}
	delete(s.consumerByID, id)
	s.consumers = slices.DeleteFunc(s.consumers, func(x *ConsumerRecord) bool { return x.ID == id })
	if peer, ok := s.peers[c.PeerID]; ok {
		delete(peer.ConsumerLayers, id)
	}
	s.tombstone(KindConsumer, string(id))
	out.Consumers = append(out.Consumers, c)
	return out, true
}

// SetCurrentLayer records the layer reported by the engine. Nil clears it.
func (s *Store) SetCurrentLayer(id domain.ConsumerID, layer *int) bool {
	c, ok := s.consumerByID[id]
	if !ok {
		return false
	}
	peer, ok := s.peers[c.PeerID]
	if !ok {
		return false
	}
	l, ok := peer.ConsumerLayers[id]
	if !ok {
		return false
	}
	l.CurrentLayer = layer
	peer.ConsumerLayers[id] = l
	return true
}

func (s *Store) SetClientSelectedLayer(id domain.ConsumerID, layer int) bool {
	c, ok := s.consumerByID[id]
	if !ok {
		return false
	}
	peer, ok := s.peers[c.PeerID]
	if !ok {
		return false
	}
	l, ok := peer.ConsumerLayers[id]
	if !ok {
		return false
	}
	l.ClientSelectedLayer = &layer
	peer.ConsumerLayers[id] = l
	return true
}

// active speaker

func (s *Store) ActiveSpeaker() domain.ActiveSpeaker { return s.activeSpeaker }

func (s *Store) SetActiveSpeaker(a domain.ActiveSpeaker) { s.activeSpeaker = a }

// tombstones

func (s *Store) tombstone(kind, id string) {
	s.closed.Add(kind+"/"+id, struct{}{})
}

// WasClosed reports whether an entity with this id existed and was removed recently.
func (s *Store) WasClosed(kind, id string) bool {
	return s.closed.Contains(kind + "/" + id)
}

// Counts returns the sizes of the collections, for metrics.
func (s *Store) Counts() (peers, transports, producers, consumers int) {
	return len(s.peers), len(s.transports), len(s.producers), len(s.consumers)
}

// Snapshot copies the public state. No engine handles leak out.
func (s *Store) Snapshot() domain.Snapshot {
	snap := domain.Snapshot{
		Peers:         make(map[domain.PeerID]domain.Peer, len(s.peers)),
		ActiveSpeaker: s.activeSpeaker,
	}
	for id, p := range s.peers {
		snap.Peers[id] = p.Clone()
	}
	return snap
}
