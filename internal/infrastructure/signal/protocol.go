package signal

import (
	"encoding/json"

	"rillcall/internal/core/domain"
)

// Message types exchanged over the signaling websocket
const (
	// client -> server
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypePublish     = "publish"
	TypeUnpublish   = "unpublish"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"

	// relayed between members of a channel
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"

	// server -> client
	TypeJoined           = "joined"
	TypeAck              = "ack"
	TypeError            = "error"
	TypeStreamAdded      = "stream_added"
	TypeStreamRemoved    = "stream_removed"
	TypeSubscribeRequest = "subscribe_request"
	TypeUnsubscribeReq   = "unsubscribe_request"
)

// Message is the signaling envelope. RequestID is echoed back on the ack or
// error answering a client request.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Token     string          `json:"token,omitempty"`
	UID       domain.UID      `json:"uid,omitempty"`
	From      domain.UID      `json:"from,omitempty"`
	To        domain.UID      `json:"to,omitempty"`
	StreamID  domain.StreamID `json:"stream_id,omitempty"`
	Stream    *StreamInfo     `json:"stream,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
}

// StreamInfo describes a published stream on the wire
type StreamInfo struct {
	StreamID domain.StreamID `json:"stream_id"`
	OwnerUID domain.UID      `json:"owner_uid"`
	Video    bool            `json:"video"`
	Audio    bool            `json:"audio"`
	Screen   bool            `json:"screen"`
}

// SessionDescription is the payload of offer and answer messages
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is the payload of ice_candidate messages
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

func streamInfo(s domain.PublishedStream) *StreamInfo {
	return &StreamInfo{
		StreamID: s.StreamID,
		OwnerUID: s.OwnerUID,
		Video:    s.Video,
		Audio:    s.Audio,
		Screen:   s.Screen,
	}
}
