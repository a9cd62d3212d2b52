package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type sessionEntry struct {
	Signal core.SignalConnection
	Cancel context.CancelFunc
	Room   domain.RoomID
	Peer   domain.PeerID
}

// Registry maps signaling sessions to the room and peer they joined as.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]*sessionEntry)}
}

func (r *Registry) BindSignal(sid core.SessionID, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Signal: sig, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) GetSignal(sid core.SessionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Signal, true
	}
	return nil, false
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

// BindPeer records that sid speaks for peer in room.
func (r *Registry) BindPeer(sid core.SessionID, room domain.RoomID, peer domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.Room = room
	entry.Peer = peer
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Str("peer", string(peer)).Msg("bound peer")
	return true
}

// UnbindPeer clears the peer association of sid, keeping the signal.
func (r *Registry) UnbindPeer(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok {
		entry.Room = ""
		entry.Peer = ""
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed peer association")
}

func (r *Registry) PeerOf(sid core.SessionID) (domain.RoomID, domain.PeerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.Peer == "" {
		return "", "", false
	}
	return entry.Room, entry.Peer, true
}

// SessionsOfPeer lists every session currently bound to peer in room.
func (r *Registry) SessionsOfPeer(room domain.RoomID, peer domain.PeerID) []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.SessionID
	for sid, e := range r.sessions {
		if e.Room == room && e.Peer == peer {
			out = append(out, sid)
		}
	}
	return out
}

type regSnap struct {
	SID    core.SessionID
	Peer   domain.PeerID
	Signal core.SignalConnection
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Room == room && e.Peer != "" {
			out = append(out, regSnap{SID: sid, Peer: e.Peer, Signal: e.Signal})
		}
	}
	return out
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
