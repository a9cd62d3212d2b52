// Package rtc implements the media engine on pion/webrtc ORTC objects.
// Each transport is an ICE gatherer, ICE transport and DTLS transport
// triple; producers are RTP receivers and consumers are RTP senders fed
// by a relay.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

var (
	_ core.MediaEngine    = (*Engine)(nil)
	_ core.MediaRouter    = (*Router)(nil)
	_ core.MediaTransport = (*Transport)(nil)
	_ core.MediaProducer  = (*Producer)(nil)
	_ core.MediaConsumer  = (*Consumer)(nil)
)

// Engine creates routers that share one pion API.
type Engine struct {
	api        *webrtc.API
	codecs     []webrtc.RTPCodecParameters
	iceServers []webrtc.ICEServer
	audio      config.AudioLevel
	caps       json.RawMessage
	maxBitrate int
}

func NewEngine(cfg config.RTC, audio config.AudioLevel) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	codecs := make([]webrtc.RTPCodecParameters, 0, len(cfg.Codecs))
	for i, c := range cfg.Codecs {
		pt := c.PayloadType
		if pt == 0 {
			pt = uint8(100 + i)
		}
		kind := kindOf(c.MimeType)
		params := make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			params[k] = v
		}
		codec := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				SDPFmtpLine:  fmtpLine(params),
				RTCPFeedback: defaultFeedback(kind),
			},
			PayloadType: webrtc.PayloadType(pt),
		}
		if err := me.RegisterCodec(codec, codecType(kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
		codecs = append(codecs, codec)
	}
	if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	se := webrtc.SettingEngine{}
	if err := se.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
		return nil, fmt.Errorf("port range: %w", err)
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if cfg.ListenIP != "" && cfg.ListenIP != "0.0.0.0" {
		listen := net.ParseIP(cfg.ListenIP)
		se.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
	}

	e := &Engine{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		codecs:     codecs,
		audio:      audio,
		maxBitrate: cfg.MaxIncomingBitrate,
	}
	if len(cfg.ICEServers) > 0 {
		e.iceServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	e.caps = e.capabilities()

	log.Info().
		Str("module", "rtc").
		Int("codecs", len(codecs)).
		Uint16("min_port", cfg.MinPort).
		Uint16("max_port", cfg.MaxPort).
		Str("announced_ip", cfg.AnnouncedIP).
		Msg("media engine ready")
	return e, nil
}

func (e *Engine) NewRouter(_ context.Context, room domain.RoomID) (core.MediaRouter, error) {
	interval := e.audio.Interval
	if interval <= 0 {
		interval = 800 * time.Millisecond
	}
	r := newRouter(e, room, newAudioObserver(interval, e.audio.Threshold, e.audio.MinPercentile))
	log.Info().Str("module", "rtc").Str("room", string(room)).Msg("router created")
	return r, nil
}

// codec finds the registered codec matching mimeType.
func (e *Engine) codec(mimeType string) (webrtc.RTPCodecParameters, bool) {
	for _, c := range e.codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			return c, true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}

func (e *Engine) capabilities() json.RawMessage {
	caps := rtpCapabilities{}
	for _, c := range e.codecs {
		caps.Codecs = append(caps.Codecs, rtpCodec{
			Kind:                 string(kindOf(c.MimeType)),
			MimeType:             c.MimeType,
			PreferredPayloadType: uint8(c.PayloadType),
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			Parameters:           parseFmtp(c.SDPFmtpLine),
			RTCPFeedback:         feedbackOf(c.RTCPFeedback),
		})
	}
	caps.HeaderExtensions = []headerExtension{{Kind: string(domain.KindAudio), URI: audioLevelURI, PreferredID: 1}}
	b, _ := json.Marshal(caps)
	return b
}

func defaultFeedback(kind domain.MediaKind) []webrtc.RTCPFeedback {
	if kind == domain.KindAudio {
		return nil
	}
	return []webrtc.RTCPFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
	}
}
