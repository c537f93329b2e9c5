package domain

import "time"

// Member is a participant joined to a channel on the signaling server
type Member struct {
	Channel  string    `json:"channel"`
	UID      UID       `json:"uid"`
	ConnID   string    `json:"conn_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// PublishedStream is a stream announced in a channel
type PublishedStream struct {
	Channel     string    `json:"channel"`
	StreamID    StreamID  `json:"stream_id"`
	OwnerUID    UID       `json:"owner_uid"`
	Video       bool      `json:"video"`
	Audio       bool      `json:"audio"`
	Screen      bool      `json:"screen"`
	PublishedAt time.Time `json:"published_at"`
}
