package lifecycle

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type Transports struct {
	room   *core.Room
	logger zerolog.Logger
}

// Create opens a server-side transport for peer. A peer holds at most one
// transport per direction.
func (m *Transports) Create(ctx context.Context, peer domain.PeerID, dir domain.Direction) (core.TransportParams, error) {
	if !dir.Valid() {
		return core.TransportParams{}, domain.BadRequestf("invalid transport direction %q", dir)
	}
	// owner pins the peer record seen before the engine call, so a re-join
	// meanwhile does not inherit this transport.
	var owner *domain.Peer
	check := func(s *core.Store) error {
		p, ok := s.Peer(peer)
		if !ok || (owner != nil && p != owner) {
			return domain.NotFoundf("peer %s not found", peer)
		}
		if _, ok := s.TransportFor(peer, dir); ok {
			return domain.BadRequestf("peer %s already has a %s transport", peer, dir)
		}
		owner = p
		return nil
	}
	if err := m.room.Update(check); err != nil {
		return core.TransportParams{}, err
	}

	mt, err := m.room.Router().CreateTransport(ctx, peer, dir)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(peer)).Str("direction", string(dir)).Msg("create transport")
		return core.TransportParams{}, domain.EngineErrorf(err, "create %s transport", dir)
	}

	err = m.room.Update(func(s *core.Store) error {
		if err := check(s); err != nil {
			return err
		}
		s.AddTransport(&core.TransportRecord{ID: mt.ID(), PeerID: peer, Direction: dir, Handle: mt})
		return nil
	})
	if err != nil {
		_ = mt.Close()
		return core.TransportParams{}, err
	}

	id := mt.ID()
	mt.OnClose(func() {
		m.room.Post(func() { m.onEngineClose(context.Background(), id) })
	})

	m.logger.Info().
		Str("peer", string(peer)).
		Str("transport", string(id)).
		Str("direction", string(dir)).
		Msg("transport created")
	return mt.Params(), nil
}

func (m *Transports) Connect(ctx context.Context, id domain.TransportID, params core.ConnectParams) error {
	var h core.MediaTransport
	m.room.View(func(s *core.Store) {
		if t, ok := s.Transport(id); ok {
			h = t.Handle
		}
	})
	if h == nil {
		m.logger.Warn().Str("transport", string(id)).Msg("connect: transport not found")
		return domain.NotFoundf("server-side transport %s not found", id)
	}
	if err := h.Connect(ctx, params); err != nil {
		m.logger.Error().Err(err).Str("transport", string(id)).Msg("connect transport")
		return domain.EngineErrorf(err, "connect transport %s", id)
	}
	m.logger.Debug().Str("transport", string(id)).Msg("transport connected")
	return nil
}

// Close removes the transport and everything carried on it. Closing an id
// that was already closed is a no-op.
func (m *Transports) Close(ctx context.Context, id domain.TransportID) error {
	var (
		rm       core.Removed
		found    bool
		tombnote bool
	)
	_ = m.room.Update(func(s *core.Store) error {
		rm, found = s.RemoveTransport(id)
		if !found {
			tombnote = s.WasClosed(core.KindTransport, string(id))
		}
		return nil
	})
	if !found {
		if tombnote {
			m.logger.Debug().Str("transport", string(id)).Msg("transport already closed")
			return nil
		}
		m.logger.Warn().Str("transport", string(id)).Msg("close: transport not found")
		return domain.NotFoundf("server-side transport %s not found", id)
	}
	release(ctx, m.logger, rm)
	m.logger.Info().
		Str("transport", string(id)).
		Int("producers", len(rm.Producers)).
		Int("consumers", len(rm.Consumers)).
		Msg("transport closed")
	return nil
}

// Of lists the transports owned by peer.
func (m *Transports) Of(peer domain.PeerID) []domain.TransportID {
	var out []domain.TransportID
	m.room.View(func(s *core.Store) {
		for _, t := range s.TransportsOf(peer) {
			out = append(out, t.ID)
		}
	})
	return out
}

func (m *Transports) onEngineClose(ctx context.Context, id domain.TransportID) {
	var (
		rm    core.Removed
		found bool
	)
	_ = m.room.Update(func(s *core.Store) error {
		rm, found = s.RemoveTransport(id)
		return nil
	})
	if !found {
		return
	}
	// the engine already tore the transport down; only its children remain
	rm.Transports = nil
	release(ctx, m.logger, rm)
	m.logger.Warn().Str("transport", string(id)).Msg("transport closed by engine")
	m.room.Changed()
}
