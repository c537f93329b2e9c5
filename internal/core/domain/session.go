package domain

import "fmt"

type SessionID string

// UID identifies a participant inside a channel. Zero asks the provider to
// assign one.
type UID uint32

func (u UID) String() string {
	return fmt.Sprintf("%d", uint32(u))
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SessionMode selects the provider profile for a session
type SessionMode string

const (
	ModeLive SessionMode = "live"
	ModeRTC  SessionMode = "rtc"
)

type Codec string

const (
	CodecH264 Codec = "h264"
	CodecVP8  Codec = "vp8"
)

// Session is one logical connection to a channel. Epoch grows every time the
// session is (re)joined or left so that late completions can be told apart.
type Session struct {
	ID          SessionID
	ChannelName string
	LocalUID    UID
	State       ConnectionState
	Mode        SessionMode
	Codec       Codec
	Epoch       uint64
}
