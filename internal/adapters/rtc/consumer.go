package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Consumer forwards one producer to a client through an RTP sender.
type Consumer struct {
	id        domain.ConsumerID
	transport *Transport
	producer  *Producer
	sender    *webrtc.RTPSender
	ssrc      webrtc.SSRC
	params    json.RawMessage
	logger    zerolog.Logger

	paused    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	mu               sync.Mutex
	onTransportClose func()
	onProducerClose  func()
	onLayersChange   func(*core.ConsumerLayers)
}

var midCounter atomic.Uint64

// Consume creates the sender right away so its SSRC can be handed to the
// client; sending starts once the transport is connected.
func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.MediaConsumer, error) {
	if t.dir != domain.DirectionRecv {
		return nil, fmt.Errorf("transport %s is not a recv transport", t.id)
	}
	src, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", opts.ProducerID)
	}
	caps, err := parseCapabilities(opts.RTPCapabilities)
	if err != nil {
		return nil, err
	}
	if !caps.supports(src.codec.RTPCodecCapability) {
		return nil, fmt.Errorf("client cannot receive %s", src.codec.MimeType)
	}

	id := domain.ConsumerID(uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticRTP(src.codec.RTPCodecCapability, string(id), string(opts.AppData.SourcePeerID))
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.engine.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	encodings := sender.GetParameters().Encodings
	if len(encodings) == 0 {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp sender has no encodings")
	}

	c := &Consumer{
		id:        id,
		transport: t,
		producer:  src,
		sender:    sender,
		ssrc:      encodings[0].SSRC,
		done:      make(chan struct{}),
		logger: t.logger.With().
			Str("consumer", string(id)).
			Str("producer", string(src.id)).
			Logger(),
	}
	c.params = c.rtpParameters(string(opts.AppData.SourcePeerID))
	c.paused.Store(opts.Paused)

	if !t.trackConsumer(c) {
		_ = sender.Stop()
		return nil, errTransportClosed
	}
	if !src.addConsumer(c) || !t.router.relays.AddSubscriber(src.id, id, track) {
		t.untrackConsumer(id)
		src.removeConsumer(id)
		_ = sender.Stop()
		return nil, fmt.Errorf("producer %s closed", src.id)
	}
	if !opts.Paused {
		t.router.relays.SetSubscriberMuted(src.id, id, false)
	}

	go c.run()
	c.logger.Info().Uint32("ssrc", uint32(c.ssrc)).Bool("paused", opts.Paused).Msg("consumer created")
	return c, nil
}

// rtpParameters describes what the client will receive.
func (c *Consumer) rtpParameters(cname string) json.RawMessage {
	codec := c.producer.codec
	params := rtpParameters{
		MID: strconv.FormatUint(midCounter.Add(1), 10),
		Codecs: []rtpCodec{{
			MimeType:     codec.MimeType,
			PayloadType:  uint8(codec.PayloadType),
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   parseFmtp(codec.SDPFmtpLine),
			RTCPFeedback: feedbackOf(codec.RTCPFeedback),
		}},
		HeaderExtensions: []headerExtension{},
		Encodings:        []encoding{{SSRC: uint32(c.ssrc)}},
		RTCP:             &rtcpParameters{CNAME: cname, ReducedSize: true},
	}
	b, _ := json.Marshal(params)
	return b
}

// run starts the sender once the transport is up and forwards keyframe
// requests from the client to the producer.
func (c *Consumer) run() {
	t := c.transport
	select {
	case <-t.connected:
	case <-c.done:
		return
	case <-t.closed:
		return
	}
	err := c.sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        c.ssrc,
				PayloadType: c.producer.codec.PayloadType,
			},
		}},
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("sender start failed")
		return
	}
	if !c.paused.Load() {
		c.producer.RequestKeyFrame()
	}
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.RequestKeyFrame()
			}
		}
	}
}

func (c *Consumer) ID() domain.ConsumerID          { return c.id }
func (c *Consumer) Kind() domain.MediaKind         { return c.producer.kind }
func (c *Consumer) RTPParameters() json.RawMessage { return c.params }
func (c *Consumer) Type() string                   { return "simple" }
func (c *Consumer) ProducerPaused() bool           { return c.producer.paused.Load() }

func (c *Consumer) Pause(context.Context) error {
	if !c.transport.router.relays.SetSubscriberMuted(c.producer.id, c.id, true) {
		return fmt.Errorf("consumer %s has no relay", c.id)
	}
	c.paused.Store(true)
	c.layersChanged(nil)
	return nil
}

func (c *Consumer) Resume(context.Context) error {
	if !c.transport.router.relays.SetSubscriberMuted(c.producer.id, c.id, false) {
		return fmt.Errorf("consumer %s has no relay", c.id)
	}
	c.paused.Store(false)
	c.producer.RequestKeyFrame()
	if c.producer.kind == domain.KindVideo {
		c.layersChanged(&core.ConsumerLayers{SpatialLayer: 0})
	}
	return nil
}

// SetPreferredLayers accepts any non-negative layer. Producers carry a
// single encoding, so the effective layer stays 0.
func (c *Consumer) SetPreferredLayers(_ context.Context, layers core.ConsumerLayers) error {
	if layers.SpatialLayer < 0 {
		return fmt.Errorf("invalid spatial layer %d", layers.SpatialLayer)
	}
	if c.producer.kind == domain.KindVideo && !c.paused.Load() {
		c.layersChanged(&core.ConsumerLayers{SpatialLayer: 0})
	}
	return nil
}

func (c *Consumer) layersChanged(layers *core.ConsumerLayers) {
	c.mu.Lock()
	fn := c.onLayersChange
	c.mu.Unlock()
	if fn != nil {
		fn(layers)
	}
}

func (c *Consumer) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = fn
	c.mu.Unlock()
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	c.onProducerClose = fn
	c.mu.Unlock()
}

func (c *Consumer) OnLayersChange(fn func(*core.ConsumerLayers)) {
	c.mu.Lock()
	c.onLayersChange = fn
	c.mu.Unlock()
}

func (c *Consumer) transportClosed() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onTransportClose
}

func (c *Consumer) producerClosed() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onProducerClose
}

func (c *Consumer) closeWith(notify func() func()) {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.done)
		c.transport.router.relays.MarkSubscriberDelete(c.producer.id, c.id)
		c.producer.removeConsumer(c.id)
		c.transport.untrackConsumer(c.id)
		if err := c.sender.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("sender stop")
		}
		c.logger.Debug().Msg("consumer closed")
	})
	if !first || notify == nil {
		return
	}
	if fn := notify(); fn != nil {
		fn()
	}
}
