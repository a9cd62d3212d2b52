package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type Consumers struct {
	room   *core.Room
	logger zerolog.Logger
}

type ReceiveRequest struct {
	PeerID          domain.PeerID
	SourcePeerID    domain.PeerID
	MediaTag        domain.MediaTag
	RTPCapabilities json.RawMessage
}

// ConsumerInfo is what the subscribing client needs to build its receiver.
type ConsumerInfo struct {
	ProducerID     domain.ProducerID `json:"producerId"`
	ID             domain.ConsumerID `json:"id"`
	Kind           domain.MediaKind  `json:"kind"`
	RTPParameters  json.RawMessage   `json:"rtpParameters"`
	Type           string            `json:"type"`
	ProducerPaused bool              `json:"producerPaused"`
}

// Receive subscribes peer to the producer published under (source, tag).
// The consumer is created paused; the client resumes it once ready.
func (m *Consumers) Receive(ctx context.Context, req ReceiveRequest) (ConsumerInfo, error) {
	var (
		producer domain.ProducerID
		h        core.MediaTransport
		tid      domain.TransportID
	)
	lookup := func(s *core.Store) error {
		p, ok := s.ProducerByTag(req.SourcePeerID, req.MediaTag)
		if !ok {
			return domain.NotFoundf("server-side producer for %s:%s not found", req.SourcePeerID, req.MediaTag)
		}
		producer = p.ID
		return nil
	}
	transport := func(s *core.Store) error {
		t, ok := s.TransportFor(req.PeerID, domain.DirectionRecv)
		if !ok {
			return domain.NotFoundf("server-side recv transport for %s not found", req.PeerID)
		}
		h, tid = t.Handle, t.ID
		return nil
	}

	if err := m.room.Update(lookup); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(req.PeerID)).Msg("receive track rejected")
		return ConsumerInfo{}, err
	}
	if !m.room.Router().CanConsume(producer, req.RTPCapabilities) {
		m.logger.Warn().Str("peer", string(req.PeerID)).Str("producer", string(producer)).Msg("incompatible capabilities")
		return ConsumerInfo{}, domain.Incompatiblef("client cannot consume %s:%s", req.SourcePeerID, req.MediaTag)
	}
	if err := m.room.Update(transport); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(req.PeerID)).Msg("receive track rejected")
		return ConsumerInfo{}, err
	}

	mc, err := h.Consume(ctx, core.ConsumeOptions{
		ProducerID:      producer,
		RTPCapabilities: req.RTPCapabilities,
		Paused:          true,
		AppData: core.AppData{
			PeerID:       req.PeerID,
			TransportID:  tid,
			MediaTag:     req.MediaTag,
			SourcePeerID: req.SourcePeerID,
		},
	})
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(req.PeerID)).Str("producer", string(producer)).Msg("consume")
		return ConsumerInfo{}, domain.EngineErrorf(err, "consume %s:%s", req.SourcePeerID, req.MediaTag)
	}

	id := mc.ID()
	err = m.room.Update(func(s *core.Store) error {
		if _, ok := s.Peer(req.PeerID); !ok {
			return domain.NotFoundf("peer %s not found", req.PeerID)
		}
		if _, ok := s.Producer(producer); !ok {
			return domain.NotFoundf("server-side producer for %s:%s not found", req.SourcePeerID, req.MediaTag)
		}
		if t, ok := s.Transport(tid); !ok || t.PeerID != req.PeerID {
			return domain.NotFoundf("server-side recv transport for %s not found", req.PeerID)
		}
		s.AddConsumer(&core.ConsumerRecord{
			ID:           id,
			PeerID:       req.PeerID,
			SourcePeerID: req.SourcePeerID,
			ProducerID:   producer,
			TransportID:  tid,
			Kind:         mc.Kind(),
			MediaTag:     req.MediaTag,
			Handle:       mc,
			State:        newConsumerState(id, m.logger),
		})
		return nil
	})
	if err != nil {
		_ = mc.Close()
		m.logger.Warn().Err(err).Str("consumer", string(id)).Msg("consumer discarded")
		return ConsumerInfo{}, err
	}

	mc.OnTransportClose(func() {
		m.room.Post(func() { m.onEngineClose(id, "transport closed") })
	})
	mc.OnProducerClose(func() {
		m.room.Post(func() { m.onEngineClose(id, "producer closed") })
	})
	mc.OnLayersChange(func(l *core.ConsumerLayers) {
		var layer *int
		if l != nil {
			spatial := l.SpatialLayer
			layer = &spatial
		}
		m.room.Post(func() {
			_ = m.room.Update(func(s *core.Store) error {
				s.SetCurrentLayer(id, layer)
				return nil
			})
		})
	})

	m.logger.Info().
		Str("peer", string(req.PeerID)).
		Str("consumer", string(id)).
		Str("producer", string(producer)).
		Msg("consumer created")

	return ConsumerInfo{
		ProducerID:     producer,
		ID:             id,
		Kind:           mc.Kind(),
		RTPParameters:  mc.RTPParameters(),
		Type:           mc.Type(),
		ProducerPaused: mc.ProducerPaused(),
	}, nil
}

func (m *Consumers) Pause(ctx context.Context, id domain.ConsumerID) error {
	rec, err := m.record(id)
	if err != nil {
		return err
	}
	if err := rec.Handle.Pause(ctx); err != nil {
		m.logger.Error().Err(err).Str("consumer", string(id)).Msg("pause consumer")
		return domain.EngineErrorf(err, "pause consumer %s", id)
	}
	transition(ctx, rec.State, EventPause)
	return nil
}

func (m *Consumers) Resume(ctx context.Context, id domain.ConsumerID) error {
	rec, err := m.record(id)
	if err != nil {
		return err
	}
	if err := rec.Handle.Resume(ctx); err != nil {
		m.logger.Error().Err(err).Str("consumer", string(id)).Msg("resume consumer")
		return domain.EngineErrorf(err, "resume consumer %s", id)
	}
	transition(ctx, rec.State, EventResume)
	return nil
}

// SetPreferredLayer records the client's choice and forwards it to the engine.
func (m *Consumers) SetPreferredLayer(ctx context.Context, id domain.ConsumerID, spatial int) error {
	rec, err := m.record(id)
	if err != nil {
		return err
	}
	if err := rec.Handle.SetPreferredLayers(ctx, core.ConsumerLayers{SpatialLayer: spatial}); err != nil {
		m.logger.Error().Err(err).Str("consumer", string(id)).Msg("set preferred layers")
		return domain.EngineErrorf(err, "set layers of consumer %s", id)
	}
	_ = m.room.Update(func(s *core.Store) error {
		s.SetClientSelectedLayer(id, spatial)
		return nil
	})
	return nil
}

// Close removes the consumer. A second close of the same id is a no-op.
func (m *Consumers) Close(ctx context.Context, id domain.ConsumerID) error {
	var (
		rm       core.Removed
		found    bool
		tombnote bool
	)
	_ = m.room.Update(func(s *core.Store) error {
		rm, found = s.RemoveConsumer(id)
		if !found {
			tombnote = s.WasClosed(core.KindConsumer, string(id))
		}
		return nil
	})
	if !found {
		if tombnote {
			m.logger.Debug().Str("consumer", string(id)).Msg("consumer already closed")
			return nil
		}
		m.logger.Warn().Str("consumer", string(id)).Msg("close: consumer not found")
		return domain.NotFoundf("server-side consumer %s not found", id)
	}
	release(ctx, m.logger, rm)
	m.logger.Info().Str("consumer", string(id)).Msg("consumer closed")
	return nil
}

// State returns the lifecycle state of a live consumer.
func (m *Consumers) State(id domain.ConsumerID) (string, bool) {
	var state string
	m.room.View(func(s *core.Store) {
		if c, ok := s.Consumer(id); ok && c.State != nil {
			state = c.State.Current()
		}
	})
	return state, state != ""
}

func (m *Consumers) record(id domain.ConsumerID) (*core.ConsumerRecord, error) {
	var rec *core.ConsumerRecord
	m.room.View(func(s *core.Store) {
		rec, _ = s.Consumer(id)
	})
	if rec == nil || rec.Handle == nil {
		m.logger.Warn().Str("consumer", string(id)).Msg("consumer not found")
		return nil, domain.NotFoundf("server-side consumer %s not found", id)
	}
	return rec, nil
}

func (m *Consumers) onEngineClose(id domain.ConsumerID, reason string) {
	var (
		rm    core.Removed
		found bool
	)
	_ = m.room.Update(func(s *core.Store) error {
		rm, found = s.RemoveConsumer(id)
		return nil
	})
	if !found {
		return
	}
	for _, c := range rm.Consumers {
		transition(context.Background(), c.State, EventClose)
	}
	m.logger.Info().Str("consumer", string(id)).Str("reason", reason).Msg("consumer closed by engine")
	m.room.Changed()
}
