package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/app/sfu"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Router owns the media objects of one room.
type Router struct {
	engine *Engine
	room   domain.RoomID
	relays *sfu.RelayManager
	audio  *audioObserver
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
	closed     bool
}

func newRouter(e *Engine, room domain.RoomID, audio *audioObserver) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		engine:     e,
		room:       room,
		relays:     sfu.NewRelayManager(),
		audio:      audio,
		logger:     log.With().Str("module", "rtc").Str("room", string(room)).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[domain.TransportID]*Transport),
		producers:  make(map[domain.ProducerID]*Producer),
	}
	go audio.run(ctx)
	return r
}

func (r *Router) RTPCapabilities() json.RawMessage { return r.engine.caps }

// CreateTransport gathers local candidates before returning so the
// parameters handed to the client are complete.
func (r *Router) CreateTransport(ctx context.Context, peer domain.PeerID, dir domain.Direction) (core.MediaTransport, error) {
	api := r.engine.api
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.engine.iceServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	gathered := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gathered)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather: %w", err)
	}
	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	case <-timer.C:
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather: no candidates after %s", gatherTimeout)
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}

	t := newTransport(r, peer, dir, gatherer, ice, dtls)
	ip, _ := json.Marshal(iceParameters{
		UsernameFragment: iceParams.UsernameFragment,
		Password:         iceParams.Password,
	})
	t.params = core.TransportParams{
		ID:             t.id,
		ICEParameters:  ip,
		ICECandidates:  marshalICECandidates(candidates),
		DTLSParameters: marshalDTLSParameters(dtlsParams),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.shutdown()
		return nil, fmt.Errorf("router %s closed", r.room)
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	t.logger.Debug().Int("candidates", len(candidates)).Msg("transport created")
	return t, nil
}

func (r *Router) CanConsume(producer domain.ProducerID, caps json.RawMessage) bool {
	p, ok := r.producer(producer)
	if !ok {
		return false
	}
	c, err := parseCapabilities(caps)
	if err != nil {
		return false
	}
	return c.supports(p.codec.RTPCodecCapability)
}

func (r *Router) ObserveAudio(producer domain.ProducerID) error {
	p, ok := r.producer(producer)
	if !ok {
		return fmt.Errorf("producer %s not found", producer)
	}
	if p.kind != domain.KindAudio {
		return fmt.Errorf("producer %s is not audio", producer)
	}
	r.audio.add(producer)
	return nil
}

func (r *Router) OnAudioLevel(fn func(core.AudioLevelEvent)) { r.audio.onEvent(fn) }

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.shutdown()
	}
	r.relays.StopAll()
	r.cancel()
	r.logger.Info().Int("transports", len(transports)).Msg("router closed")
	return nil
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.producers[p.id] = p
	return true
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}
