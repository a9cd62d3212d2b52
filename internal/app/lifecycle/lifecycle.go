// Package lifecycle owns creation, control and teardown of transports,
// producers and consumers inside one room.
//
// The room lock is never held across a Media Engine call. Every operation
// validates the store, calls the engine unlocked, then re-validates before
// committing. Engine-driven closes arrive through Room.Post.
package lifecycle

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Managers bundles the per-room lifecycle managers.
type Managers struct {
	Transports *Transports
	Producers  *Producers
	Consumers  *Consumers
	Speakers   *Speakers
}

func New(room *core.Room) *Managers {
	return &Managers{
		Transports: &Transports{room: room, logger: roomLogger(room, "lifecycle.transport")},
		Producers:  &Producers{room: room, logger: roomLogger(room, "lifecycle.producer")},
		Consumers:  &Consumers{room: room, logger: roomLogger(room, "lifecycle.consumer")},
		Speakers:   &Speakers{room: room, logger: roomLogger(room, "lifecycle.speaker")},
	}
}

func roomLogger(room *core.Room, module string) zerolog.Logger {
	return log.With().
		Str("module", module).
		Str("room", string(room.ID())).
		Logger()
}

// release finishes a removal the store already committed: consumer state
// machines move to closed and the engine handles of the removed objects are
// closed outermost first. Engine errors are logged, never returned.
func release(ctx context.Context, logger zerolog.Logger, rm core.Removed) {
	for _, c := range rm.Consumers {
		transition(ctx, c.State, EventClose)
	}
	for _, t := range rm.Transports {
		if t.Handle == nil {
			continue
		}
		if err := t.Handle.Close(); err != nil {
			logger.Error().Err(err).Str("transport", string(t.ID)).Msg("close transport")
		}
	}
	for _, p := range rm.Producers {
		if p.Handle == nil {
			continue
		}
		if err := p.Handle.Close(); err != nil {
			logger.Error().Err(err).Str("producer", string(p.ID)).Msg("close producer")
		}
	}
	for _, c := range rm.Consumers {
		if c.Handle == nil {
			continue
		}
		if err := c.Handle.Close(); err != nil {
			logger.Error().Err(err).Str("consumer", string(c.ID)).Msg("close consumer")
		}
	}
}

// ReleasePeer removes the peer and everything it owns from the store, then
// closes the engine objects. It reports whether the peer was present.
func (m *Managers) ReleasePeer(ctx context.Context, peer domain.PeerID) bool {
	var (
		rm core.Removed
		ok bool
	)
	_ = m.Transports.room.Update(func(s *core.Store) error {
		rm, ok = s.RemovePeer(peer)
		return nil
	})
	release(ctx, m.Transports.logger, rm)
	if ok {
		m.Transports.logger.Info().
			Str("peer", string(peer)).
			Int("transports", len(rm.Transports)).
			Int("producers", len(rm.Producers)).
			Int("consumers", len(rm.Consumers)).
			Msg("peer released")
	}
	return ok
}
