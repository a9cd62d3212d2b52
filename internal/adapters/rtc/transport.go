package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

var (
	errTransportClosed = errors.New("transport closed")
	errConnectTimeout  = errors.New("transport did not connect in time")
)

// Engine-side bounds on blocking waits. Callers pass contexts that are never
// canceled by a disconnect.
const (
	gatherTimeout  = 10 * time.Second
	connectTimeout = 30 * time.Second
)

// Transport is one ICE+DTLS association with a client.
type Transport struct {
	id     domain.TransportID
	router *Router
	peer   domain.PeerID
	dir    domain.Direction
	params core.TransportParams
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	connecting atomic.Bool
	connected  chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	onClose   func()
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
}

func newTransport(r *Router, peer domain.PeerID, dir domain.Direction, g *webrtc.ICEGatherer, ice *webrtc.ICETransport, dtls *webrtc.DTLSTransport) *Transport {
	id := domain.TransportID(uuid.NewString())
	t := &Transport{
		id:        id,
		router:    r,
		peer:      peer,
		dir:       dir,
		gatherer:  g,
		ice:       ice,
		dtls:      dtls,
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
		logger: r.logger.With().
			Str("transport", string(id)).
			Str("peer", string(peer)).
			Str("direction", string(dir)).
			Logger(),
	}
	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Debug().Str("state", s.String()).Msg("ice state")
		if s == webrtc.ICETransportStateFailed {
			go t.fail(errors.New("ice failed"))
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Debug().Str("state", s.String()).Msg("dtls state")
		if s == webrtc.DTLSTransportStateFailed {
			go t.fail(errors.New("dtls failed"))
		}
	})
	return t
}

func (t *Transport) ID() domain.TransportID       { return t.id }
func (t *Transport) Params() core.TransportParams { return t.params }

// Connect validates the remote parameters and starts ICE and DTLS in the
// background. Both handshakes block until the client shows up, so failures
// surface through OnClose rather than the return value.
func (t *Transport) Connect(_ context.Context, params core.ConnectParams) error {
	dtlsParams, err := parseDTLSParameters(params.DTLSParameters)
	if err != nil {
		return err
	}
	iceParams, err := parseICEParameters(params.ICEParameters)
	if err != nil {
		return err
	}
	candidates, err := parseICECandidates(params.ICECandidates)
	if err != nil {
		return err
	}
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	if !t.connecting.CompareAndSwap(false, true) {
		return fmt.Errorf("transport %s already connected", t.id)
	}

	go func() {
		if err := t.ice.SetRemoteCandidates(candidates); err != nil {
			t.fail(fmt.Errorf("remote candidates: %w", err))
			return
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, iceParams, &role); err != nil {
			t.fail(fmt.Errorf("ice start: %w", err))
			return
		}
		if err := t.dtls.Start(dtlsParams); err != nil {
			t.fail(fmt.Errorf("dtls start: %w", err))
			return
		}
		close(t.connected)
		t.logger.Info().Msg("transport connected")
	}()
	return nil
}

// waitConnected blocks until DTLS is up, the transport closes, ctx ends or
// connectTimeout passes.
func (t *Transport) waitConnected(ctx context.Context) error {
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-t.connected:
		return nil
	case <-t.closed:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errConnectTimeout
	}
}

func (t *Transport) Close() error {
	t.shutdown()
	return nil
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// fail closes the transport on engine initiative and reports it.
func (t *Transport) fail(err error) {
	if !t.shutdown() {
		return
	}
	t.logger.Warn().Err(err).Msg("transport closed by engine")
	t.mu.Lock()
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// shutdown tears the transport down once. It reports whether this call did it.
func (t *Transport) shutdown() bool {
	first := false
	t.closeOnce.Do(func() {
		first = true
		close(t.closed)
		t.router.removeTransport(t.id)

		t.mu.Lock()
		producers := make([]*Producer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		consumers := make([]*Consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		t.mu.Unlock()

		for _, p := range producers {
			p.closeWith(p.transportClosed)
		}
		for _, c := range consumers {
			c.closeWith(c.transportClosed)
		}
		if err := t.dtls.Stop(); err != nil {
			t.logger.Debug().Err(err).Msg("dtls stop")
		}
		if err := t.ice.Stop(); err != nil {
			t.logger.Debug().Err(err).Msg("ice stop")
		}
		if err := t.gatherer.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("gatherer close")
		}
		t.logger.Debug().Msg("transport closed")
	})
	return first
}

func (t *Transport) track(p *Producer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return false
	default:
	}
	t.producers[p.id] = p
	return true
}

func (t *Transport) trackConsumer(c *Consumer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return false
	default:
	}
	t.consumers[c.id] = c
	return true
}

func (t *Transport) untrack(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) untrackConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}
