package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/huddle/internal/domain"
)

// TransportParams are the negotiation parameters a client needs to connect
// to a server-side transport. Values are opaque to the core.
type TransportParams struct {
	ID             domain.TransportID `json:"id"`
	ICEParameters  json.RawMessage    `json:"iceParameters"`
	ICECandidates  json.RawMessage    `json:"iceCandidates"`
	DTLSParameters json.RawMessage    `json:"dtlsParameters"`
}

// ConnectParams carries the client side of the negotiation.
// ICE fields are optional and only used by engines that are not ICE-lite.
type ConnectParams struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
}

// AppData is attached to engine objects so events can be traced back to peers.
type AppData struct {
	PeerID       domain.PeerID      `json:"peerId"`
	TransportID  domain.TransportID `json:"transportId,omitempty"`
	MediaTag     domain.MediaTag    `json:"mediaTag,omitempty"`
	SourcePeerID domain.PeerID      `json:"mediaPeerId,omitempty"`
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RTPParameters json.RawMessage
	Paused        bool
	AppData       AppData
}

type ConsumeOptions struct {
	ProducerID      domain.ProducerID
	RTPCapabilities json.RawMessage
	Paused          bool
	AppData         AppData
}

type ConsumerLayers struct {
	SpatialLayer  int  `json:"spatialLayer"`
	TemporalLayer *int `json:"temporalLayer,omitempty"`
}

// AudioLevelEvent reports the loudest producer. An empty ProducerID means silence.
type AudioLevelEvent struct {
	ProducerID domain.ProducerID
	Volume     float64
}

// MediaEngine creates one router per room.
type MediaEngine interface {
	NewRouter(ctx context.Context, room domain.RoomID) (MediaRouter, error)
}

type MediaRouter interface {
	RTPCapabilities() json.RawMessage
	CreateTransport(ctx context.Context, peer domain.PeerID, dir domain.Direction) (MediaTransport, error)
	CanConsume(producer domain.ProducerID, caps json.RawMessage) bool
	// ObserveAudio adds an audio producer to the audio-level observer.
	ObserveAudio(producer domain.ProducerID) error
	OnAudioLevel(func(AudioLevelEvent))
	Close() error
}

type MediaTransport interface {
	ID() domain.TransportID
	Params() TransportParams
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, opts ProduceOptions) (MediaProducer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (MediaConsumer, error)
	Close() error
	// OnClose fires when the engine closes the transport on its own (e.g. DTLS failure).
	OnClose(func())
}

type MediaProducer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
	OnTransportClose(func())
	OnClose(func())
}

type MediaConsumer interface {
	ID() domain.ConsumerID
	Kind() domain.MediaKind
	RTPParameters() json.RawMessage
	Type() string
	ProducerPaused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetPreferredLayers(ctx context.Context, layers ConsumerLayers) error
	Close() error
	OnTransportClose(func())
	OnProducerClose(func())
	OnLayersChange(func(*ConsumerLayers))
}
