package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type createTransportBody struct {
	Direction domain.Direction `json:"direction" validate:"required,oneof=send recv"`
}

type connectTransportBody struct {
	TransportID    domain.TransportID `json:"transportId" validate:"required"`
	DTLSParameters json.RawMessage    `json:"dtlsParameters" validate:"required"`
	ICEParameters  json.RawMessage    `json:"iceParameters"`
	ICECandidates  json.RawMessage    `json:"iceCandidates"`
}

type transportBody struct {
	TransportID domain.TransportID `json:"transportId" validate:"required"`
}

type sendTrackBody struct {
	TransportID   domain.TransportID `json:"transportId" validate:"required"`
	Kind          domain.MediaKind   `json:"kind" validate:"required,oneof=audio video"`
	RTPParameters json.RawMessage    `json:"rtpParameters" validate:"required"`
	Paused        bool               `json:"paused"`
	AppData       struct {
		MediaTag domain.MediaTag `json:"mediaTag" validate:"required,max=64"`
	} `json:"appData"`
}

type receiveTrackBody struct {
	MediaPeerID     domain.PeerID   `json:"mediaPeerId" validate:"required"`
	MediaTag        domain.MediaTag `json:"mediaTag" validate:"required"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities" validate:"required"`
}

type consumerBody struct {
	ConsumerID domain.ConsumerID `json:"consumerId" validate:"required"`
}

type consumerLayersBody struct {
	ConsumerID   domain.ConsumerID `json:"consumerId" validate:"required"`
	SpatialLayer int               `json:"spatialLayer"`
}

type producerBody struct {
	ProducerID domain.ProducerID `json:"producerId" validate:"required"`
}

func done(key string) map[string]bool { return map[string]bool{key: true} }

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[createTransportBody](ctl, body)
	if err != nil {
		return nil, err
	}
	params, err := ctl.Orch.CreateTransport(ctx, sid, p.Direction)
	if err != nil {
		return nil, err
	}
	return map[string]core.TransportParams{"transportOptions": params}, nil
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[connectTransportBody](ctl, body)
	if err != nil {
		return nil, err
	}
	err = ctl.Orch.ConnectTransport(ctx, sid, p.TransportID, core.ConnectParams{
		DTLSParameters: p.DTLSParameters,
		ICEParameters:  p.ICEParameters,
		ICECandidates:  p.ICECandidates,
	})
	if err != nil {
		return nil, err
	}
	return done("connected"), nil
}

func (ctl *SignalWSController) handleCloseTransport(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[transportBody](ctl, body)
	if err != nil {
		return nil, err
	}
	if err := ctl.Orch.CloseTransport(ctx, sid, p.TransportID); err != nil {
		return nil, err
	}
	return done("closed"), nil
}

func (ctl *SignalWSController) handleSendTrack(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[sendTrackBody](ctl, body)
	if err != nil {
		return nil, err
	}
	id, err := ctl.Orch.SendTrack(ctx, sid, orch.SendTrack{
		TransportID:   p.TransportID,
		Kind:          p.Kind,
		RTPParameters: p.RTPParameters,
		Paused:        p.Paused,
		MediaTag:      p.AppData.MediaTag,
	})
	if err != nil {
		return nil, err
	}
	return map[string]domain.ProducerID{"id": id}, nil
}

func (ctl *SignalWSController) handleReceiveTrack(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[receiveTrackBody](ctl, body)
	if err != nil {
		return nil, err
	}
	info, err := ctl.Orch.ReceiveTrack(ctx, sid, p.MediaPeerID, p.MediaTag, p.RTPCapabilities)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (ctl *SignalWSController) handlePauseConsumer(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[consumerBody](ctl, body)
	if err != nil {
		return nil, err
	}
	if err := ctl.Orch.PauseConsumer(ctx, sid, p.ConsumerID); err != nil {
		return nil, err
	}
	return done("paused"), nil
}

func (ctl *SignalWSController) handleResumeConsumer(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[consumerBody](ctl, body)
	if err != nil {
		return nil, err
	}
	if err := ctl.Orch.ResumeConsumer(ctx, sid, p.ConsumerID); err != nil {
		return nil, err
	}
	return done("resumed"), nil
}

func (ctl *SignalWSController) handleCloseConsumer(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[consumerBody](ctl, body)
	if err != nil {
		return nil, err
	}
	if err := ctl.Orch.CloseConsumer(ctx, sid, p.ConsumerID); err != nil {
		return nil, err
	}
	return done("closed"), nil
}

func (ctl *SignalWSController) handleConsumerSetLayers(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[consumerLayersBody](ctl, body)
	if err != nil {
		return nil, err
	}
	if err := ctl.Orch.SetConsumerLayers(ctx, sid, p.ConsumerID, p.SpatialLayer); err != nil {
		return nil, err
	}
	return done("layersSet"), nil
}

func (ctl *SignalWSController) handlePauseProducer(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[producerBody](ctl, body)
	if err != nil {
		return nil, err
	}
	if err := ctl.Orch.PauseProducer(ctx, sid, p.ProducerID); err != nil {
		return nil, err
	}
	return done("paused"), nil
}

func (ctl *SignalWSController) handleResumeProducer(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[producerBody](ctl, body)
	if err != nil {
		return nil, err
	}
	if err := ctl.Orch.ResumeProducer(ctx, sid, p.ProducerID); err != nil {
		return nil, err
	}
	return done("resumed"), nil
}

func (ctl *SignalWSController) handleCloseProducer(ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error) {
	p, err := decode[producerBody](ctl, body)
	if err != nil {
		return nil, err
	}
	if err := ctl.Orch.CloseProducer(ctx, sid, p.ProducerID); err != nil {
		return nil, err
	}
	return done("closed"), nil
}
