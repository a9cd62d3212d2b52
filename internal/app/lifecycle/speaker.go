package lifecycle

import (
	"github.com/rs/zerolog"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type Speakers struct {
	room   *core.Room
	logger zerolog.Logger
}

// Bind routes audio-level events of the room's router through the room
// event queue. changed runs after every event that moved the active speaker.
func (m *Speakers) Bind(changed func()) {
	m.room.Router().OnAudioLevel(func(ev core.AudioLevelEvent) {
		m.room.Post(func() {
			if m.Handle(ev) && changed != nil {
				changed()
			}
		})
	})
}

// Handle applies one audio-level event and reports whether the active
// speaker changed. Events for producers no longer in the store are dropped.
func (m *Speakers) Handle(ev core.AudioLevelEvent) bool {
	var changed bool
	_ = m.room.Update(func(s *core.Store) error {
		cur := s.ActiveSpeaker()
		if ev.ProducerID == "" {
			if !cur.Empty() {
				s.SetActiveSpeaker(domain.ActiveSpeaker{})
				changed = true
			}
			return nil
		}
		p, ok := s.Producer(ev.ProducerID)
		if !ok {
			return nil
		}
		if cur.ProducerID != nil && *cur.ProducerID == p.ID && cur.Volume != nil && *cur.Volume == ev.Volume {
			return nil
		}
		pid, peer, vol := p.ID, p.PeerID, ev.Volume
		s.SetActiveSpeaker(domain.ActiveSpeaker{ProducerID: &pid, PeerID: &peer, Volume: &vol})
		changed = true
		return nil
	})
	if changed {
		m.logger.Debug().Str("producer", string(ev.ProducerID)).Float64("volume", ev.Volume).Msg("active speaker")
	}
	return changed
}
