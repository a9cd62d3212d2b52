package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const rembInterval = 2 * time.Second

// Producer is media a client sends to the router, received on an RTP receiver
// and fanned out to consumers by a relay.
type Producer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	transport *Transport
	recv      *webrtc.RTPReceiver
	ssrc      uint32
	// codec is the router's registered codec; consumers are sent with it.
	codec  webrtc.RTPCodecParameters
	logger zerolog.Logger

	paused    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	mu               sync.Mutex
	onTransportClose func()
	onClose          func()
	consumers        map[domain.ConsumerID]*Consumer
}

// Produce waits for the transport to connect, then binds an RTP receiver to
// the SSRC and payload type the client announced.
func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.MediaProducer, error) {
	if t.dir != domain.DirectionSend {
		return nil, fmt.Errorf("transport %s is not a send transport", t.id)
	}
	params, err := parseRTPParameters(opts.RTPParameters)
	if err != nil {
		return nil, err
	}
	announced, ok := params.mediaCodec()
	if !ok {
		return nil, fmt.Errorf("rtpParameters: no media codec")
	}
	if kindOf(announced.MimeType) != opts.Kind {
		return nil, fmt.Errorf("codec %s does not match kind %s", announced.MimeType, opts.Kind)
	}
	codec, ok := t.router.engine.codec(announced.MimeType)
	if !ok {
		return nil, fmt.Errorf("codec %s not supported", announced.MimeType)
	}
	if err := t.waitConnected(ctx); err != nil {
		return nil, err
	}

	recv, err := t.router.engine.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	ssrc := params.Encodings[0].SSRC
	err = recv.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(announced.PayloadType),
			},
		}},
	})
	if err != nil {
		_ = recv.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}
	var exts []webrtc.RTPHeaderExtensionParameter
	for _, e := range params.HeaderExtensions {
		exts = append(exts, webrtc.RTPHeaderExtensionParameter{URI: e.URI, ID: e.ID})
	}
	recv.SetRTPParameters(webrtc.RTPParameters{
		HeaderExtensions: exts,
		Codecs: []webrtc.RTPCodecParameters{{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     announced.MimeType,
				ClockRate:    announced.ClockRate,
				Channels:     announced.Channels,
				SDPFmtpLine:  fmtpLine(announced.Parameters),
				RTCPFeedback: codec.RTCPFeedback,
			},
			PayloadType: webrtc.PayloadType(announced.PayloadType),
		}},
	})

	id := domain.ProducerID(uuid.NewString())
	p := &Producer{
		id:        id,
		kind:      opts.Kind,
		transport: t,
		recv:      recv,
		ssrc:      ssrc,
		codec:     codec,
		done:      make(chan struct{}),
		consumers: make(map[domain.ConsumerID]*Consumer),
		logger: t.logger.With().
			Str("producer", string(id)).
			Str("kind", string(opts.Kind)).
			Str("tag", string(opts.AppData.MediaTag)).
			Logger(),
	}
	p.paused.Store(opts.Paused)

	if !t.track(p) || !t.router.addProducer(p) {
		t.untrack(id)
		_ = recv.Stop()
		return nil, errTransportClosed
	}

	relays := t.router.relays
	relays.StartRelay(t.router.ctx, id, recv.Track(), p.tap(params.extensionID(audioLevelURI)))
	relays.SetPaused(id, opts.Paused)

	go p.readRTCP()
	if p.kind == domain.KindVideo && t.router.engine.maxBitrate > 0 {
		go p.sendREMB(t.router.engine.maxBitrate)
	}

	p.logger.Info().Uint32("ssrc", ssrc).Bool("paused", opts.Paused).Msg("producer created")
	return p, nil
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

// tap runs on the relay goroutine for every packet.
func (p *Producer) tap(audioExt int) func(*rtp.Packet) {
	observer := p.transport.router.audio
	return func(pkt *rtp.Packet) {
		// pion strips padding but keeps the header bit, which breaks
		// decoders when the payload is empty.
		if pkt.Padding && len(pkt.Payload) == 0 {
			pkt.Padding = false
			pkt.PaddingSize = 0
		}
		if audioExt <= 0 {
			return
		}
		data := pkt.GetExtension(uint8(audioExt))
		if data == nil {
			return
		}
		var ext rtp.AudioLevelExtension
		if err := ext.Unmarshal(data); err != nil {
			return
		}
		observer.observe(p.id, ext.Level)
	}
}

// readRTCP drains sender reports so the interceptors keep working.
func (p *Producer) readRTCP() {
	for {
		if _, _, err := p.recv.ReadRTCP(); err != nil {
			return
		}
	}
}

func (p *Producer) sendREMB(bitrate int) {
	ticker := time.NewTicker(rembInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{
				Bitrate: float32(bitrate),
				SSRCs:   []uint32{p.ssrc},
			}})
			if err != nil {
				p.logger.Debug().Err(err).Msg("remb write failed")
			}
		}
	}
}

// RequestKeyFrame asks the sending client for a keyframe.
func (p *Producer) RequestKeyFrame() {
	if p.kind != domain.KindVideo {
		return
	}
	_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.ssrc}})
	if err != nil {
		p.logger.Debug().Err(err).Msg("pli write failed")
	}
}

func (p *Producer) Pause(context.Context) error {
	p.paused.Store(true)
	p.transport.router.relays.SetPaused(p.id, true)
	return nil
}

func (p *Producer) Resume(context.Context) error {
	p.paused.Store(false)
	p.transport.router.relays.SetPaused(p.id, false)
	p.RequestKeyFrame()
	return nil
}

func (p *Producer) Close() error {
	p.closeWith(nil)
	return nil
}

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.onTransportClose = fn
	p.mu.Unlock()
}

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

func (p *Producer) transportClosed() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onTransportClose
}

// closeWith releases the producer once and closes its consumers with their
// producer-close event. notify picks the callback to report with.
func (p *Producer) closeWith(notify func() func()) {
	first := false
	p.closeOnce.Do(func() {
		first = true
		close(p.done)
		router := p.transport.router
		router.relays.StopRelay(p.id)
		router.audio.remove(p.id)
		router.removeProducer(p.id)
		p.transport.untrack(p.id)
		if err := p.recv.Stop(); err != nil {
			p.logger.Debug().Err(err).Msg("receiver stop")
		}

		p.mu.Lock()
		consumers := make([]*Consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		p.mu.Unlock()
		for _, c := range consumers {
			c.closeWith(c.producerClosed)
		}
		p.logger.Info().Msg("producer closed")
	})
	if !first || notify == nil {
		return
	}
	if fn := notify(); fn != nil {
		fn()
	}
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return false
	default:
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}
