package domain

// ActiveSpeaker is the loudest audio producer; all fields nil when nobody speaks.
type ActiveSpeaker struct {
	ProducerID *ProducerID `json:"producerId"`
	PeerID     *PeerID     `json:"peerId"`
	Volume     *float64    `json:"volume"`
}

func (a ActiveSpeaker) Empty() bool { return a.ProducerID == nil }

// Snapshot is the public view of a room pushed to peers.
type Snapshot struct {
	Peers         map[PeerID]Peer `json:"peers"`
	ActiveSpeaker ActiveSpeaker   `json:"activeSpeaker"`
}

type RoomInfo struct {
	ID        RoomID `json:"id"`
	PeerCount int    `json:"peer_count"`
}
