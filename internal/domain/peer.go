package domain

import "encoding/json"

// MediaInfo is what a peer publishes under one media tag.
type MediaInfo struct {
	Paused    bool            `json:"paused"`
	Encodings json.RawMessage `json:"encodings,omitempty"`
}

// ConsumerLayer tracks simulcast layers of one consumer. Nil means unknown.
type ConsumerLayer struct {
	CurrentLayer        *int `json:"currentLayer"`
	ClientSelectedLayer *int `json:"clientSelectedLayer"`
}

// Peer is one participant's record inside a room.
// Timestamps are unix milliseconds.
type Peer struct {
	ID             PeerID                       `json:"-"`
	JoinTs         int64                        `json:"joinTs"`
	LastSeenTs     int64                        `json:"lastSeenTs"`
	Media          map[MediaTag]*MediaInfo      `json:"media"`
	ConsumerLayers map[ConsumerID]ConsumerLayer `json:"consumerLayers"`
	Stats          map[string]json.RawMessage   `json:"stats"`
}

func NewPeer(id PeerID, nowMs int64) *Peer {
	return &Peer{
		ID:             id,
		JoinTs:         nowMs,
		LastSeenTs:     nowMs,
		Media:          make(map[MediaTag]*MediaInfo),
		ConsumerLayers: make(map[ConsumerID]ConsumerLayer),
		Stats:          make(map[string]json.RawMessage),
	}
}

// Clone returns a deep copy that shares nothing mutable with p.
func (p *Peer) Clone() Peer {
	out := Peer{
		ID:             p.ID,
		JoinTs:         p.JoinTs,
		LastSeenTs:     p.LastSeenTs,
		Media:          make(map[MediaTag]*MediaInfo, len(p.Media)),
		ConsumerLayers: make(map[ConsumerID]ConsumerLayer, len(p.ConsumerLayers)),
		Stats:          make(map[string]json.RawMessage, len(p.Stats)),
	}
	for tag, m := range p.Media {
		cp := *m
		if m.Encodings != nil {
			cp.Encodings = append(json.RawMessage(nil), m.Encodings...)
		}
		out.Media[tag] = &cp
	}
	for id, l := range p.ConsumerLayers {
		out.ConsumerLayers[id] = ConsumerLayer{
			CurrentLayer:        copyInt(l.CurrentLayer),
			ClientSelectedLayer: copyInt(l.ClientSelectedLayer),
		}
	}
	for id, s := range p.Stats {
		out.Stats[id] = append(json.RawMessage(nil), s...)
	}
	return out
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
