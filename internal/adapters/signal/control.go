package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type joinBody struct {
	PeerID domain.PeerID `json:"peerId" validate:"required,max=64"`
}

type joinResult struct {
	RouterRTPCapabilities json.RawMessage `json:"routerRtpCapabilities"`
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[joinBody](ctl, body)
	if err != nil {
		return nil, err
	}
	caps, err := ctl.Orch.Join(ctx, sid, p.PeerID)
	if err != nil {
		return nil, err
	}
	return joinResult{RouterRTPCapabilities: caps}, nil
}

func (ctl *SignalWSController) handleLeave(ctx context.Context, sid core.SessionID, _ json.RawMessage) (any, error) {
	if err := ctl.Orch.Leave(ctx, sid); err != nil {
		return nil, err
	}
	return map[string]bool{"left": true}, nil
}

func (ctl *SignalWSController) handleSync(ctx context.Context, sid core.SessionID, _ json.RawMessage) (any, error) {
	snap, err := ctl.Orch.Sync(ctx, sid)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (ctl *SignalWSController) handlePing(context.Context, core.SessionID, json.RawMessage) (any, error) {
	return struct{}{}, nil
}

func (ctl *SignalWSController) handleRouterCapabilities(ctx context.Context, _ core.SessionID, _ json.RawMessage) (any, error) {
	caps, err := ctl.Orch.RouterCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	return joinResult{RouterRTPCapabilities: caps}, nil
}
