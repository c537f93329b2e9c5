package ports

import (
	"rillcall/internal/core/domain"
)

// EventType names an asynchronous notification raised by a provider session
type EventType string

const (
	EventStreamAdded      EventType = "stream-added"
	EventStreamRemoved    EventType = "stream-removed"
	EventStreamSubscribed EventType = "stream-subscribed"
	EventStreamPublished  EventType = "stream-published"
	EventConnectionLost   EventType = "connection-lost"
)

// Event is delivered to handlers registered with SessionHandle.On.
// Stream is only set for stream-added.
type Event struct {
	Type     EventType
	StreamID domain.StreamID
	UID      domain.UID
	Stream   RemoteStream
	Reason   string
}

// MediaProvider is the capability based media engine the coordinator drives.
// Callbacks handed to any provider method may be invoked on any goroutine,
// at most once.
type MediaProvider interface {
	CreateSession(mode domain.SessionMode, codec domain.Codec) (SessionHandle, error)
	CreateLocalStream(opts LocalStreamOptions) (LocalStream, error)
}

type SessionHandle interface {
	Join(token, channel string, uid domain.UID, onSuccess func(domain.UID), onFailure func(error))
	Leave(done func(error))
	Publish(stream LocalStream, done func(error))
	Unpublish(stream LocalStream, done func(error))
	Subscribe(stream RemoteStream, done func(error))
	On(event EventType, handler func(Event))
}

type LocalStreamOptions struct {
	UID           domain.UID
	Audio         bool
	Video         bool
	Screen        bool
	CaptureSource string
}

type LocalStream interface {
	ID() domain.StreamID
	Init(done func(error))
	EnableVideo(done func(error))
	DisableVideo(done func(error))
	EnableAudio(done func(error))
	DisableAudio(done func(error))
	Close()
}

type RemoteStream interface {
	ID() domain.StreamID
	OwnerUID() domain.UID
}
