package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type Producers struct {
	room   *core.Room
	logger zerolog.Logger
}

type SendRequest struct {
	PeerID        domain.PeerID
	TransportID   domain.TransportID
	Kind          domain.MediaKind
	RTPParameters json.RawMessage
	Paused        bool
	MediaTag      domain.MediaTag
}

// Send publishes a track on one of the peer's send transports.
func (m *Producers) Send(ctx context.Context, req SendRequest) (domain.ProducerID, error) {
	if !req.Kind.Valid() {
		return "", domain.BadRequestf("invalid media kind %q", req.Kind)
	}
	if req.MediaTag == "" {
		return "", domain.BadRequestf("mediaTag is required")
	}

	var h core.MediaTransport
	check := func(s *core.Store) error {
		t, ok := s.Transport(req.TransportID)
		if !ok {
			return domain.NotFoundf("server-side transport %s not found", req.TransportID)
		}
		if t.PeerID != req.PeerID || t.Direction != domain.DirectionSend {
			return domain.BadRequestf("transport %s is not a send transport of %s", req.TransportID, req.PeerID)
		}
		if _, ok := s.ProducerByTag(req.PeerID, req.MediaTag); ok {
			return domain.BadRequestf("%s already publishes %s", req.PeerID, req.MediaTag)
		}
		h = t.Handle
		return nil
	}
	if err := m.room.Update(check); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(req.PeerID)).Msg("send track rejected")
		return "", err
	}

	mp, err := h.Produce(ctx, core.ProduceOptions{
		Kind:          req.Kind,
		RTPParameters: req.RTPParameters,
		Paused:        req.Paused,
		AppData:       core.AppData{PeerID: req.PeerID, TransportID: req.TransportID, MediaTag: req.MediaTag},
	})
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(req.PeerID)).Str("tag", string(req.MediaTag)).Msg("produce")
		return "", domain.EngineErrorf(err, "produce %s", req.MediaTag)
	}

	id := mp.ID()
	err = m.room.Update(func(s *core.Store) error {
		if err := check(s); err != nil {
			return err
		}
		s.AddProducer(&core.ProducerRecord{
			ID:          id,
			PeerID:      req.PeerID,
			TransportID: req.TransportID,
			Kind:        req.Kind,
			MediaTag:    req.MediaTag,
			Paused:      req.Paused,
			Encodings:   encodingsOf(req.RTPParameters),
			Handle:      mp,
		})
		return nil
	})
	if err != nil {
		_ = mp.Close()
		return "", err
	}

	mp.OnTransportClose(func() {
		m.room.Post(func() { m.onEngineClose(id, "transport closed") })
	})
	mp.OnClose(func() {
		m.room.Post(func() { m.onEngineClose(id, "engine closed producer") })
	})

	if req.Kind == domain.KindAudio {
		if err := m.room.Router().ObserveAudio(id); err != nil {
			m.logger.Error().Err(err).Str("producer", string(id)).Msg("observe audio")
		}
	}

	m.logger.Info().
		Str("peer", string(req.PeerID)).
		Str("producer", string(id)).
		Str("tag", string(req.MediaTag)).
		Str("kind", string(req.Kind)).
		Msg("producer created")
	return id, nil
}

func (m *Producers) Pause(ctx context.Context, id domain.ProducerID) error {
	return m.setPaused(ctx, id, true)
}

func (m *Producers) Resume(ctx context.Context, id domain.ProducerID) error {
	return m.setPaused(ctx, id, false)
}

func (m *Producers) setPaused(ctx context.Context, id domain.ProducerID, paused bool) error {
	h, err := m.handle(id)
	if err != nil {
		return err
	}
	if paused {
		err = h.Pause(ctx)
	} else {
		err = h.Resume(ctx)
	}
	if err != nil {
		m.logger.Error().Err(err).Str("producer", string(id)).Bool("paused", paused).Msg("producer pause state")
		return domain.EngineErrorf(err, "pause producer %s", id)
	}
	var ok bool
	_ = m.room.Update(func(s *core.Store) error {
		ok = s.SetProducerPaused(id, paused)
		return nil
	})
	if !ok {
		return domain.NotFoundf("server-side producer %s not found", id)
	}
	return nil
}

// Close removes the producer and every consumer fed by it. A second close
// of the same id is a no-op.
func (m *Producers) Close(ctx context.Context, id domain.ProducerID) error {
	var (
		rm       core.Removed
		found    bool
		tombnote bool
	)
	_ = m.room.Update(func(s *core.Store) error {
		rm, found = s.RemoveProducer(id)
		if !found {
			tombnote = s.WasClosed(core.KindProducer, string(id))
		}
		return nil
	})
	if !found {
		if tombnote {
			m.logger.Debug().Str("producer", string(id)).Msg("producer already closed")
			return nil
		}
		m.logger.Warn().Str("producer", string(id)).Msg("close: producer not found")
		return domain.NotFoundf("server-side producer %s not found", id)
	}
	release(ctx, m.logger, rm)
	m.logger.Info().Str("producer", string(id)).Int("consumers", len(rm.Consumers)).Msg("producer closed")
	return nil
}

func (m *Producers) handle(id domain.ProducerID) (core.MediaProducer, error) {
	var h core.MediaProducer
	m.room.View(func(s *core.Store) {
		if p, ok := s.Producer(id); ok {
			h = p.Handle
		}
	})
	if h == nil {
		m.logger.Warn().Str("producer", string(id)).Msg("producer not found")
		return nil, domain.NotFoundf("server-side producer %s not found", id)
	}
	return h, nil
}

func (m *Producers) onEngineClose(id domain.ProducerID, reason string) {
	var (
		rm    core.Removed
		found bool
	)
	_ = m.room.Update(func(s *core.Store) error {
		rm, found = s.RemoveProducer(id)
		return nil
	})
	if !found {
		return
	}
	rm.Producers = nil
	release(context.Background(), m.logger, rm)
	m.logger.Info().Str("producer", string(id)).Str("reason", reason).Msg("producer closed by engine")
	m.room.Changed()
}

func encodingsOf(rtpParameters json.RawMessage) json.RawMessage {
	var p struct {
		Encodings json.RawMessage `json:"encodings"`
	}
	if len(rtpParameters) == 0 || json.Unmarshal(rtpParameters, &p) != nil {
		return nil
	}
	return p.Encodings
}
