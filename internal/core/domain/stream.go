package domain

type StreamID string

type StreamKind int

const (
	LocalAV StreamKind = iota
	LocalScreen
	Remote
)

func (k StreamKind) String() string {
	switch k {
	case LocalAV:
		return "local_av"
	case LocalScreen:
		return "local_screen"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// IsLocal reports whether the stream is produced by this participant
func (k StreamKind) IsLocal() bool {
	return k == LocalAV || k == LocalScreen
}

type PublishState int

const (
	Unpublished PublishState = iota
	Publishing
	Published
)

func (p PublishState) String() string {
	switch p {
	case Unpublished:
		return "unpublished"
	case Publishing:
		return "publishing"
	case Published:
		return "published"
	default:
		return "unknown"
	}
}

// HandleState is the lifecycle of a stream handle
type HandleState int

const (
	HandleCreated HandleState = iota
	HandleInitializing
	HandleReady
	HandlePublishing
	HandlePublished
	HandleFailed
	HandleRemoved
)

func (s HandleState) String() string {
	switch s {
	case HandleCreated:
		return "created"
	case HandleInitializing:
		return "initializing"
	case HandleReady:
		return "ready"
	case HandlePublishing:
		return "publishing"
	case HandlePublished:
		return "published"
	case HandleFailed:
		return "failed"
	case HandleRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

func (k StreamKind) MarshalText() ([]byte, error)   { return []byte(k.String()), nil }
func (p PublishState) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
func (s HandleState) MarshalText() ([]byte, error)  { return []byte(s.String()), nil }

// StreamInfo is a read-only copy of a stream handle handed to observers
type StreamInfo struct {
	StreamID     StreamID     `json:"stream_id"`
	OwnerUID     UID          `json:"owner_uid"`
	Kind         StreamKind   `json:"kind"`
	VideoEnabled bool         `json:"video_enabled"`
	AudioEnabled bool         `json:"audio_enabled"`
	PublishState PublishState `json:"publish_state"`
	State        HandleState  `json:"state"`
	Subscribed   bool         `json:"subscribed"`
}
