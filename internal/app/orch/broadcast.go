package orch

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// SyncPush is the server-initiated message carrying a room snapshot.
type SyncPush struct {
	Type string          `json:"type"`
	Data domain.Snapshot `json:"data"`
}

// Broadcast sends the current snapshot of room to every joined session.
// Slow sessions are handed to the policy.
func (o *Orchestrator) Broadcast(room *core.Room) {
	frame, err := json.Marshal(SyncPush{Type: "sync", Data: room.Snapshot()})
	if err != nil {
		log.Error().Err(err).Str("module", "orch.sync").Str("room", string(room.ID())).Msg("marshal snapshot")
		return
	}
	o.Metrics.Broadcast()

	for _, snap := range o.Registry.MembersOfRoom(room.ID()) {
		if snap.Signal == nil {
			continue
		}
		if err := snap.Signal.TrySend(frame); err != nil {
			o.onSendFailure(room, snap.SID, err)
		}
	}
}

func (o *Orchestrator) onSendFailure(room *core.Room, sid core.SessionID, err error) {
	action := app.NoAction
	if o.Policy != nil {
		action = o.Policy.OnBackPressure(room, sid)
	}
	switch action {
	case app.KickMember:
		log.Warn().Err(err).Str("module", "orch.sync").Str("sid", string(sid)).Msg("kicking slow session")
		o.KickBySID(sid)
	case app.DropFrame, app.NoAction:
		log.Debug().Err(err).Str("module", "orch.sync").Str("sid", string(sid)).Msg("sync frame dropped")
	}
}
