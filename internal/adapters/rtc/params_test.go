package rtc

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
)

const opusParams = `{
	"mid": "0",
	"codecs": [
		{"mimeType": "audio/opus", "payloadType": 111, "clockRate": 48000, "channels": 2, "parameters": {"useinbandfec": 1}},
		{"mimeType": "audio/rtx", "payloadType": 112, "clockRate": 48000}
	],
	"headerExtensions": [{"uri": "urn:ietf:params:rtp-hdrext:ssrc-audio-level", "id": 4}],
	"encodings": [{"ssrc": 1234}],
	"rtcp": {"cname": "abc", "reducedSize": true}
}`

func TestParseRTPParameters(t *testing.T) {
	p, err := parseRTPParameters(json.RawMessage(opusParams))
	require.NoError(t, err)

	codec, ok := p.mediaCodec()
	require.True(t, ok)
	assert.Equal(t, "audio/opus", codec.MimeType)
	assert.Equal(t, uint8(111), codec.PayloadType)
	assert.Equal(t, uint32(1234), p.Encodings[0].SSRC)
	assert.Equal(t, 4, p.extensionID(audioLevelURI))
	assert.Equal(t, 0, p.extensionID("urn:unknown"))
}

func TestParseRTPParametersRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing", ``},
		{"not json", `{`},
		{"no codecs", `{"codecs": [], "encodings": [{"ssrc": 1}]}`},
		{"no encodings", `{"codecs": [{"mimeType": "audio/opus", "clockRate": 48000}]}`},
		{"no ssrc", `{"codecs": [{"mimeType": "audio/opus", "clockRate": 48000}], "encodings": [{"rid": "h"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRTPParameters(json.RawMessage(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	caps, err := parseCapabilities(json.RawMessage(`{
		"codecs": [
			{"kind": "audio", "mimeType": "audio/OPUS", "clockRate": 48000, "channels": 2},
			{"kind": "video", "mimeType": "video/H264", "clockRate": 90000}
		]
	}`))
	require.NoError(t, err)

	assert.True(t, caps.supports(webrtc.RTPCodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 2}))
	assert.False(t, caps.supports(webrtc.RTPCodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 1}))
	assert.False(t, caps.supports(webrtc.RTPCodecCapability{MimeType: "video/VP8", ClockRate: 90000}))
	assert.True(t, caps.supports(webrtc.RTPCodecCapability{MimeType: "video/h264", ClockRate: 90000}))

	_, err = parseCapabilities(nil)
	assert.Error(t, err)
}

func TestFmtpRoundTrip(t *testing.T) {
	line := fmtpLine(map[string]any{"useinbandfec": 1, "minptime": 10})
	assert.Equal(t, "minptime=10;useinbandfec=1", line)
	assert.Equal(t, map[string]any{"minptime": "10", "useinbandfec": "1"}, parseFmtp(line))
	assert.Nil(t, parseFmtp(""))
	assert.Empty(t, fmtpLine(nil))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, domain.KindAudio, kindOf("audio/opus"))
	assert.Equal(t, domain.KindVideo, kindOf("video/VP8"))
	assert.Equal(t, webrtc.RTPCodecTypeAudio, codecType(domain.KindAudio))
	assert.Equal(t, webrtc.RTPCodecTypeVideo, codecType(domain.KindVideo))
}

func TestParseICECandidates(t *testing.T) {
	cands, err := parseICECandidates(json.RawMessage(`[
		{"foundation": "1", "priority": 2113937151, "ip": "10.0.0.1", "protocol": "udp", "port": 40000, "type": "host"}
	]`))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "10.0.0.1", cands[0].Address)
	assert.Equal(t, webrtc.ICEProtocolUDP, cands[0].Protocol)
	assert.Equal(t, webrtc.ICECandidateTypeHost, cands[0].Typ)
	assert.Equal(t, uint16(1), cands[0].Component)

	var out []iceCandidate
	require.NoError(t, json.Unmarshal(marshalICECandidates(cands), &out))
	assert.Equal(t, "10.0.0.1", out[0].IP)
	assert.Equal(t, "host", out[0].Type)

	none, err := parseICECandidates(nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = parseICECandidates(json.RawMessage(`[{"protocol": "sctp", "type": "host"}]`))
	assert.Error(t, err)
}

func TestParseDTLSParameters(t *testing.T) {
	p, err := parseDTLSParameters(json.RawMessage(`{"role": "client", "fingerprints": [{"algorithm": "sha-256", "value": "AB:CD"}]}`))
	require.NoError(t, err)
	assert.Equal(t, webrtc.DTLSRoleClient, p.Role)
	require.Len(t, p.Fingerprints, 1)
	assert.Equal(t, "sha-256", p.Fingerprints[0].Algorithm)

	p, err = parseDTLSParameters(json.RawMessage(`{"fingerprints": [{"algorithm": "sha-256", "value": "AB:CD"}]}`))
	require.NoError(t, err)
	assert.Equal(t, webrtc.DTLSRoleAuto, p.Role)

	_, err = parseDTLSParameters(json.RawMessage(`{"role": "server", "fingerprints": []}`))
	assert.Error(t, err)
	_, err = parseDTLSParameters(nil)
	assert.Error(t, err)
}

func TestParseICEParameters(t *testing.T) {
	p, err := parseICEParameters(json.RawMessage(`{"usernameFragment": "u", "password": "p"}`))
	require.NoError(t, err)
	assert.Equal(t, "u", p.UsernameFragment)
	assert.Equal(t, "p", p.Password)

	_, err = parseICEParameters(nil)
	assert.Error(t, err)
}

func TestEngineCapabilities(t *testing.T) {
	cfg := config.RTC{
		MinPort: 40000,
		MaxPort: 40100,
		Codecs: []config.Codec{
			{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 100},
			{Kind: "video", MimeType: "video/VP8", ClockRate: 90000},
		},
	}
	e, err := NewEngine(cfg, config.AudioLevel{})
	require.NoError(t, err)

	var caps rtpCapabilities
	require.NoError(t, json.Unmarshal(e.caps, &caps))
	require.Len(t, caps.Codecs, 2)
	assert.Equal(t, "audio", caps.Codecs[0].Kind)
	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType)
	assert.Equal(t, "video", caps.Codecs[1].Kind)
	assert.Equal(t, uint8(101), caps.Codecs[1].PreferredPayloadType)
	assert.NotEmpty(t, caps.Codecs[1].RTCPFeedback)
	require.Len(t, caps.HeaderExtensions, 1)
	assert.Equal(t, audioLevelURI, caps.HeaderExtensions[0].URI)

	c, ok := e.codec("VIDEO/vp8")
	require.True(t, ok)
	assert.Equal(t, webrtc.PayloadType(101), c.PayloadType)
	_, ok = e.codec("video/AV1")
	assert.False(t, ok)
}

func TestRouterUnknownProducer(t *testing.T) {
	e, err := NewEngine(config.RTC{
		MinPort: 40000,
		MaxPort: 40100,
		Codecs:  []config.Codec{{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2}},
	}, config.AudioLevel{})
	require.NoError(t, err)

	r := newRouter(e, "main", newAudioObserver(minInterval, -80, 40))
	defer r.Close()

	assert.JSONEq(t, string(e.caps), string(r.RTPCapabilities()))
	assert.False(t, r.CanConsume("nope", e.caps))
	assert.Error(t, r.ObserveAudio("nope"))
	assert.NoError(t, r.Close())
}
