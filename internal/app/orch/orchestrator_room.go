package orch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/huddle/internal/app/lifecycle"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Join adds peer to the default room on behalf of sid and returns the
// router capabilities. Joining again under a live peer id first tears the
// old peer down.
func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, peer domain.PeerID) (json.RawMessage, error) {
	if peer == "" || len(peer) > domain.MaxPeerIDLen {
		return nil, domain.BadRequestf("invalid peerId")
	}
	room, err := o.Rooms.GetOrCreate(ctx, o.roomID())
	if err != nil {
		return nil, err
	}

	if oldRoom, oldPeer, ok := o.Registry.PeerOf(sid); ok && (oldPeer != peer || oldRoom != room.ID()) {
		o.leave(ctx, sid, oldRoom, oldPeer)
	}

	m := lifecycle.New(room)
	var rejoin bool
	room.View(func(s *core.Store) { _, rejoin = s.Peer(peer) })
	if rejoin {
		o.closePeer(ctx, room, m, peer)
		for _, other := range o.Registry.SessionsOfPeer(room.ID(), peer) {
			if other != sid {
				o.Registry.UnbindPeer(other)
			}
		}
		log.Info().Str("module", "orch").Str("peer", string(peer)).Msg("re-join replaces previous peer state")
	}

	_ = room.Update(func(s *core.Store) error {
		s.AddPeer(domain.NewPeer(peer, room.NowMs()))
		return nil
	})
	o.Registry.BindPeer(sid, room.ID(), peer)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("peer", string(peer)).Str("room", string(room.ID())).Msg("joined")
	return room.Router().RTPCapabilities(), nil
}

// Leave removes the peer bound to sid. Leaving twice is a no-op.
func (o *Orchestrator) Leave(ctx context.Context, sid core.SessionID) error {
	roomID, peer, ok := o.Registry.PeerOf(sid)
	if !ok {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Msg("leave: not joined")
		return nil
	}
	o.leave(ctx, sid, roomID, peer)
	return nil
}

func (o *Orchestrator) leave(ctx context.Context, sid core.SessionID, roomID domain.RoomID, peer domain.PeerID) {
	o.Registry.UnbindPeer(sid)
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return
	}
	if len(o.Registry.SessionsOfPeer(roomID, peer)) > 0 {
		// another session took over this peer id
		return
	}
	o.closePeer(ctx, room, lifecycle.New(room), peer)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("peer", string(peer)).Msg("left")
}

// closePeer closes every transport of peer concurrently, then drops the
// peer record and anything the transport cascade did not reach.
func (o *Orchestrator) closePeer(ctx context.Context, room *core.Room, m *lifecycle.Managers, peer domain.PeerID) {
	var wg conc.WaitGroup
	for _, tid := range m.Transports.Of(peer) {
		wg.Go(func() {
			if err := m.Transports.Close(ctx, tid); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("transport", string(tid)).Msg("leave: close transport")
			}
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		log.Error().Str("module", "orch").Str("peer", string(peer)).Str("panic", r.String()).Msg("leave: transport close panicked")
	}
	m.ReleasePeer(ctx, peer)
}

// Sync refreshes the caller's lastSeenTs and returns the room snapshot.
func (o *Orchestrator) Sync(_ context.Context, sid core.SessionID) (domain.Snapshot, error) {
	room, _, peer, err := o.session(sid)
	if err != nil {
		return domain.Snapshot{}, err
	}
	err = room.Update(func(s *core.Store) error {
		p, ok := s.Peer(peer)
		if !ok {
			return domain.NotConnectedf("peer %s not connected", peer)
		}
		p.LastSeenTs = room.NowMs()
		return nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return room.Snapshot(), nil
}

// RouterCapabilities returns the capabilities of the default room router.
func (o *Orchestrator) RouterCapabilities(ctx context.Context) (json.RawMessage, error) {
	room, err := o.Rooms.GetOrCreate(ctx, o.roomID())
	if err != nil {
		return nil, err
	}
	return room.Router().RTPCapabilities(), nil
}

// Disconnect is called when the signaling connection of sid is gone.
func (o *Orchestrator) Disconnect(ctx context.Context, sid core.SessionID) {
	roomID, _, joined := o.Registry.PeerOf(sid)
	_ = o.Leave(ctx, sid)
	o.Registry.Unbind(sid)
	if !joined {
		return
	}
	if room, ok := o.Rooms.Get(roomID); ok {
		o.Broadcast(room)
	}
}

// KickBySID closes the signaling connection of sid; its read pump then
// runs Disconnect.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	if o.Registry.Cancel(sid) {
		o.Metrics.Kick()
	}
}

// EvictRoom kicks every session of the room and stops it.
func (o *Orchestrator) EvictRoom(ctx context.Context, id domain.RoomID) {
	for _, snap := range o.Registry.MembersOfRoom(id) {
		o.leave(ctx, snap.SID, id, snap.Peer)
		o.Registry.Cancel(snap.SID)
	}
	o.Rooms.StopRoom(id)
}
