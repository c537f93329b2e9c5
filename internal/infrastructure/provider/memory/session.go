package memory

import (
	"errors"
	"fmt"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/eventloop"

	"go.uber.org/zap"
)

var ErrSessionClosed = errors.New("session closed")

// Session is one provider session on the Network. Callbacks and events for a
// session are delivered in order on the session's own loop.
type Session struct {
	network *Network
	mode    domain.SessionMode
	codec   domain.Codec
	loop    *eventloop.Loop
	logger  *zap.SugaredLogger

	// channel and uid are guarded by network.mu
	channel string
	uid     domain.UID

	mu       sync.Mutex
	handlers map[ports.EventType][]func(ports.Event)
	joined   bool
	closed   bool
}

func newSession(network *Network, mode domain.SessionMode, codec domain.Codec, logger *zap.SugaredLogger) *Session {
	return &Session{
		network:  network,
		mode:     mode,
		codec:    codec,
		loop:     eventloop.New(logger),
		logger:   logger,
		handlers: make(map[ports.EventType][]func(ports.Event)),
	}
}

func (s *Session) bind(channelName string, uid domain.UID) {
	s.channel = channelName
	s.uid = uid
}

func (s *Session) post(fn func()) {
	s.loop.Post(fn)
}

// deliver fans an event out to the registered handlers
func (s *Session) deliver(ev ports.Event) {
	s.post(func() {
		s.mu.Lock()
		handlers := append([]func(ports.Event){}, s.handlers[ev.Type]...)
		s.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	})
}

func (s *Session) Mode() domain.SessionMode { return s.mode }
func (s *Session) Codec() domain.Codec      { return s.codec }

func (s *Session) On(event ports.EventType, handler func(ports.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *Session) Join(token, channelName string, uid domain.UID, onSuccess func(domain.UID), onFailure func(error)) {
	s.mu.Lock()
	if s.closed || s.joined {
		err := fmt.Errorf("join on %s session", s.stateLabel())
		s.mu.Unlock()
		s.post(func() { onFailure(err) })
		return
	}
	s.joined = true
	s.mu.Unlock()

	err := s.network.join(s, channelName, uid, func(assigned domain.UID) {
		s.logger.Debugw("Joined memory channel", "channel", channelName, "uid", uint32(assigned))
		onSuccess(assigned)
	})
	if err != nil {
		s.mu.Lock()
		s.joined = false
		s.mu.Unlock()
		s.post(func() { onFailure(err) })
	}
}

// stateLabel must be called with s.mu held
func (s *Session) stateLabel() string {
	if s.closed {
		return "closed"
	}
	return "joined"
}

// Leave removes the session from its channel and stops delivery once done
// has run.
func (s *Session) Leave(done func(error)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done(nil)
		return
	}
	s.closed = true
	joined := s.joined
	s.mu.Unlock()

	if joined {
		s.network.leave(s)
	}
	s.post(func() { done(nil) })
	s.loop.Close()
}

func (s *Session) Publish(stream ports.LocalStream, done func(error)) {
	local, ok := stream.(*LocalStream)
	if !ok {
		s.post(func() { done(fmt.Errorf("stream %s was not created by this provider", stream.ID())) })
		return
	}
	if err := s.ready(); err != nil {
		s.post(func() { done(err) })
		return
	}
	err := s.network.publish(s, local)
	s.post(func() { done(err) })
	if err == nil {
		s.deliver(ports.Event{Type: ports.EventStreamPublished, StreamID: local.ID()})
	}
}

func (s *Session) Unpublish(stream ports.LocalStream, done func(error)) {
	local, ok := stream.(*LocalStream)
	if !ok {
		s.post(func() { done(fmt.Errorf("stream %s was not created by this provider", stream.ID())) })
		return
	}
	if err := s.ready(); err != nil {
		s.post(func() { done(err) })
		return
	}
	err := s.network.unpublish(s, local)
	s.post(func() { done(err) })
}

func (s *Session) Subscribe(stream ports.RemoteStream, done func(error)) {
	if err := s.ready(); err != nil {
		s.post(func() { done(err) })
		return
	}
	err := s.network.subscribe(s, stream.ID())
	s.post(func() { done(err) })
	if err == nil {
		s.deliver(ports.Event{Type: ports.EventStreamSubscribed, StreamID: stream.ID(), UID: stream.OwnerUID()})
	}
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.joined {
		return errors.New("session not joined")
	}
	return nil
}
