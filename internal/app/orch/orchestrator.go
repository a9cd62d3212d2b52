// Package orch drives room membership and media operations on behalf of
// signaling sessions and pushes room snapshots back to them.
package orch

import (
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/lifecycle"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Metrics  *metrics.Metrics

	// Room is the room every join lands in.
	Room domain.RoomID
}

// OnRoomCreated hooks engine events of a new room into the broadcaster.
func (o *Orchestrator) OnRoomCreated(room *core.Room) {
	room.OnChange(func() { o.Broadcast(room) })
	lifecycle.New(room).Speakers.Bind(room.Changed)
}

// session resolves the room and peer a session joined as.
func (o *Orchestrator) session(sid core.SessionID) (*core.Room, *lifecycle.Managers, domain.PeerID, error) {
	roomID, peer, ok := o.Registry.PeerOf(sid)
	if !ok {
		return nil, nil, "", domain.NotConnectedf("peer not connected")
	}
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return nil, nil, "", domain.NotConnectedf("peer %s not connected", peer)
	}
	return room, lifecycle.New(room), peer, nil
}

func (o *Orchestrator) roomID() domain.RoomID {
	if o.Room == "" {
		return "main"
	}
	return o.Room
}
