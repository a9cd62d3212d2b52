package sfu

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
)

// RelayManager keeps one Relay per producer of a router.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ProducerID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ProducerID]*Relay),
	}
}

// StartRelay creates a new Relay for the producer and starts its loop.
// tap, if set, sees every packet before forwarding, paused or not.
func (m *RelayManager) StartRelay(ctx context.Context, id domain.ProducerID, src Source, tap func(*rtp.Packet)) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("producer", string(id)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, tap, cancel)

	m.mu.Lock()
	if old, ok := m.relays[id]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[id] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber attaches a muted OutTrack for consumer to the producer's relay.
func (m *RelayManager) AddSubscriber(src domain.ProducerID, dst domain.ConsumerID, sink Sink) bool {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(dst, NewOutTrack(sink))
	return true
}

// SetSubscriberMuted mutes or unmutes a consumer's OutTrack.
func (m *RelayManager) SetSubscriberMuted(src domain.ProducerID, dst domain.ConsumerID, muted bool) bool {
	ot, ok := m.outTrack(src, dst)
	if !ok {
		return false
	}
	if muted {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
	return true
}

// MarkSubscriberDelete marks subscriber's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(src domain.ProducerID, dst domain.ConsumerID) {
	if ot, ok := m.outTrack(src, dst); ok {
		ot.MarkDelete()
	}
}

func (m *RelayManager) outTrack(src domain.ProducerID, dst domain.ConsumerID) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return relay.outTrack(dst)
}

// SetPaused stops or restarts forwarding of a producer. The tap keeps running.
func (m *RelayManager) SetPaused(id domain.ProducerID, paused bool) {
	m.mu.RLock()
	relay, ok := m.relays[id]
	m.mu.RUnlock()
	if ok {
		relay.paused.Store(paused)
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(id domain.ProducerID) {
	m.mu.Lock()
	relay, ok := m.relays[id]
	if ok {
		delete(m.relays, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for the producer.
func (m *RelayManager) HasRelay(id domain.ProducerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[id]
	return ok
}

// StopAll stops every relay.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[domain.ProducerID]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.markAllDelete()
		if r.cancel != nil {
			r.cancel()
		}
	}
}
