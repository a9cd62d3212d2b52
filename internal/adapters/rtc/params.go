package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/huddle/internal/domain"
)

// JSON shapes exchanged with clients. They follow the ORTC dictionaries
// used by mediasoup-style clients.

type rtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type rtpCodec struct {
	Kind                 string         `json:"kind,omitempty"`
	MimeType             string         `json:"mimeType"`
	PayloadType          uint8          `json:"payloadType,omitempty"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []rtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type headerExtension struct {
	Kind        string `json:"kind,omitempty"`
	URI         string `json:"uri"`
	ID          int    `json:"id,omitempty"`
	PreferredID int    `json:"preferredId,omitempty"`
}

type encoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type rtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type rtpParameters struct {
	MID              string            `json:"mid,omitempty"`
	Codecs           []rtpCodec        `json:"codecs"`
	HeaderExtensions []headerExtension `json:"headerExtensions"`
	Encodings        []encoding        `json:"encodings"`
	RTCP             *rtcpParameters   `json:"rtcp,omitempty"`
}

type rtpCapabilities struct {
	Codecs           []rtpCodec        `json:"codecs"`
	HeaderExtensions []headerExtension `json:"headerExtensions"`
}

type iceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

type iceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address,omitempty"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type dtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type dtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []dtlsFingerprint `json:"fingerprints"`
}

var errNoSSRC = errors.New("rtpParameters: first encoding has no ssrc")

func parseRTPParameters(raw json.RawMessage) (rtpParameters, error) {
	var p rtpParameters
	if len(raw) == 0 {
		return p, errors.New("rtpParameters: missing")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("rtpParameters: %w", err)
	}
	if len(p.Codecs) == 0 {
		return p, errors.New("rtpParameters: no codecs")
	}
	if len(p.Encodings) == 0 || p.Encodings[0].SSRC == 0 {
		return p, errNoSSRC
	}
	return p, nil
}

// mediaCodec returns the first non-RTX codec.
func (p rtpParameters) mediaCodec() (rtpCodec, bool) {
	for _, c := range p.Codecs {
		if !strings.EqualFold(c.MimeType[strings.Index(c.MimeType, "/")+1:], "rtx") {
			return c, true
		}
	}
	return rtpCodec{}, false
}

func (p rtpParameters) extensionID(uri string) int {
	for _, e := range p.HeaderExtensions {
		if e.URI == uri {
			return e.ID
		}
	}
	return 0
}

func parseCapabilities(raw json.RawMessage) (rtpCapabilities, error) {
	var c rtpCapabilities
	if len(raw) == 0 {
		return c, errors.New("rtpCapabilities: missing")
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("rtpCapabilities: %w", err)
	}
	return c, nil
}

// supports reports whether caps can receive codec.
func (c rtpCapabilities) supports(codec webrtc.RTPCodecCapability) bool {
	for _, have := range c.Codecs {
		if strings.EqualFold(have.MimeType, codec.MimeType) && have.ClockRate == codec.ClockRate {
			if codec.Channels > 0 && have.Channels > 0 && have.Channels != codec.Channels {
				continue
			}
			return true
		}
	}
	return false
}

func kindOf(mimeType string) domain.MediaKind {
	if strings.HasPrefix(strings.ToLower(mimeType), "audio/") {
		return domain.KindAudio
	}
	return domain.KindVideo
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// fmtpLine renders codec parameters as an SDP fmtp value, keys sorted.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func feedbackOf(fb []webrtc.RTCPFeedback) []rtcpFeedback {
	out := make([]rtcpFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, rtcpFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func parseICEParameters(raw json.RawMessage) (webrtc.ICEParameters, error) {
	var p iceParameters
	if len(raw) == 0 {
		return webrtc.ICEParameters{}, errors.New("iceParameters: missing")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return webrtc.ICEParameters{}, fmt.Errorf("iceParameters: %w", err)
	}
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}, nil
}

func parseICECandidates(raw json.RawMessage) ([]webrtc.ICECandidate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var in []iceCandidate
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("iceCandidates: %w", err)
	}
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("iceCandidates: %w", err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("iceCandidates: %w", err)
		}
		addr := c.IP
		if addr == "" {
			addr = c.Address
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    addr,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func marshalICECandidates(in []webrtc.ICECandidate) json.RawMessage {
	out := make([]iceCandidate, 0, len(in))
	for _, c := range in {
		out = append(out, iceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	b, _ := json.Marshal(out)
	return b
}

func parseDTLSParameters(raw json.RawMessage) (webrtc.DTLSParameters, error) {
	var p dtlsParameters
	if len(raw) == 0 {
		return webrtc.DTLSParameters{}, errors.New("dtlsParameters: missing")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return webrtc.DTLSParameters{}, fmt.Errorf("dtlsParameters: %w", err)
	}
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, errors.New("dtlsParameters: no fingerprints")
	}
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out, nil
}

func marshalDTLSParameters(p webrtc.DTLSParameters) json.RawMessage {
	out := dtlsParameters{Role: "auto"}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, dtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	b, _ := json.Marshal(out)
	return b
}
