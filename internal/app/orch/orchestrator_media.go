package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/huddle/internal/app/lifecycle"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

func (o *Orchestrator) CreateTransport(ctx context.Context, sid core.SessionID, dir domain.Direction) (core.TransportParams, error) {
	_, m, peer, err := o.session(sid)
	if err != nil {
		return core.TransportParams{}, err
	}
	return m.Transports.Create(ctx, peer, dir)
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, sid core.SessionID, id domain.TransportID, params core.ConnectParams) error {
	_, m, _, err := o.session(sid)
	if err != nil {
		return err
	}
	return m.Transports.Connect(ctx, id, params)
}

func (o *Orchestrator) CloseTransport(ctx context.Context, sid core.SessionID, id domain.TransportID) error {
	_, m, _, err := o.session(sid)
	if err != nil {
		return err
	}
	return m.Transports.Close(ctx, id)
}

type SendTrack struct {
	TransportID   domain.TransportID
	Kind          domain.MediaKind
	RTPParameters json.RawMessage
	Paused        bool
	MediaTag      domain.MediaTag
}

func (o *Orchestrator) SendTrack(ctx context.Context, sid core.SessionID, req SendTrack) (domain.ProducerID, error) {
	_, m, peer, err := o.session(sid)
	if err != nil {
		return "", err
	}
	return m.Producers.Send(ctx, lifecycle.SendRequest{
		PeerID:        peer,
		TransportID:   req.TransportID,
		Kind:          req.Kind,
		RTPParameters: req.RTPParameters,
		Paused:        req.Paused,
		MediaTag:      req.MediaTag,
	})
}

func (o *Orchestrator) ReceiveTrack(ctx context.Context, sid core.SessionID, source domain.PeerID, tag domain.MediaTag, caps json.RawMessage) (lifecycle.ConsumerInfo, error) {
	_, m, peer, err := o.session(sid)
	if err != nil {
		return lifecycle.ConsumerInfo{}, err
	}
	return m.Consumers.Receive(ctx, lifecycle.ReceiveRequest{
		PeerID:          peer,
		SourcePeerID:    source,
		MediaTag:        tag,
		RTPCapabilities: caps,
	})
}

func (o *Orchestrator) PauseConsumer(ctx context.Context, sid core.SessionID, id domain.ConsumerID) error {
	_, m, _, err := o.session(sid)
	if err != nil {
		return err
	}
	return m.Consumers.Pause(ctx, id)
}

func (o *Orchestrator) ResumeConsumer(ctx context.Context, sid core.SessionID, id domain.ConsumerID) error {
	_, m, _, err := o.session(sid)
	if err != nil {
		return err
	}
	return m.Consumers.Resume(ctx, id)
}

func (o *Orchestrator) CloseConsumer(ctx context.Context, sid core.SessionID, id domain.ConsumerID) error {
	_, m, _, err := o.session(sid)
	if err != nil {
		return err
	}
	return m.Consumers.Close(ctx, id)
}

func (o *Orchestrator) SetConsumerLayers(ctx context.Context, sid core.SessionID, id domain.ConsumerID, spatial int) error {
	_, m, _, err := o.session(sid)
	if err != nil {
		return err
	}
	return m.Consumers.SetPreferredLayer(ctx, id, spatial)
}

func (o *Orchestrator) PauseProducer(ctx context.Context, sid core.SessionID, id domain.ProducerID) error {
	_, m, _, err := o.session(sid)
	if err != nil {
		return err
	}
	return m.Producers.Pause(ctx, id)
}

func (o *Orchestrator) ResumeProducer(ctx context.Context, sid core.SessionID, id domain.ProducerID) error {
	_, m, _, err := o.session(sid)
	if err != nil {
		return err
	}
	return m.Producers.Resume(ctx, id)
}

func (o *Orchestrator) CloseProducer(ctx context.Context, sid core.SessionID, id domain.ProducerID) error {
	_, m, _, err := o.session(sid)
	if err != nil {
		return err
	}
	return m.Producers.Close(ctx, id)
}

// BroadcastRoom pushes a snapshot to every member of the room, if it exists.
func (o *Orchestrator) BroadcastRoom(id domain.RoomID) {
	if room, ok := o.Rooms.Get(id); ok {
		o.Broadcast(room)
	}
}
