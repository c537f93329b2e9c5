package memory

import (
	"fmt"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/eventloop"

	"go.uber.org/zap"
)

// Provider implements ports.MediaProvider on top of a Network. It moves no
// media; streams only carry their enabled flags.
type Provider struct {
	network *Network
	loop    *eventloop.Loop
	logger  *zap.SugaredLogger
}

func NewProvider(network *Network, logger *zap.SugaredLogger) *Provider {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Provider{
		network: network,
		loop:    eventloop.New(logger),
		logger:  logger.With("provider", "memory"),
	}
}

func (p *Provider) CreateSession(mode domain.SessionMode, codec domain.Codec) (ports.SessionHandle, error) {
	return newSession(p.network, mode, codec, p.logger), nil
}

// CreateLocalStream names the stream after its uid. Screen streams get a
// "-screen" suffix so they never collide with the camera stream of the same
// participant.
func (p *Provider) CreateLocalStream(opts ports.LocalStreamOptions) (ports.LocalStream, error) {
	if !opts.Audio && !opts.Video {
		return nil, fmt.Errorf("stream needs audio or video")
	}
	id := domain.StreamID(opts.UID.String())
	if opts.Screen {
		id += "-screen"
	}
	return &LocalStream{
		id:       id,
		opts:     opts,
		provider: p,
	}, nil
}

// Close stops callback delivery for local streams
func (p *Provider) Close() {
	p.loop.Close()
}

// LocalStream is a fake capture device
type LocalStream struct {
	id       domain.StreamID
	opts     ports.LocalStreamOptions
	provider *Provider

	mu          sync.Mutex
	initialized bool
	video       bool
	audio       bool
	closed      bool
}

func (s *LocalStream) ID() domain.StreamID { return s.id }

func (s *LocalStream) Init(done func(error)) {
	err := s.provider.network.mediaFault(OpMedia)
	s.mu.Lock()
	if err == nil && s.closed {
		err = fmt.Errorf("stream %s closed", s.id)
	}
	if err == nil {
		s.initialized = true
		s.video = s.opts.Video
		s.audio = s.opts.Audio
	}
	s.mu.Unlock()
	s.provider.loop.Post(func() { done(err) })
}

func (s *LocalStream) EnableVideo(done func(error))  { s.toggle(&s.video, true, done) }
func (s *LocalStream) DisableVideo(done func(error)) { s.toggle(&s.video, false, done) }
func (s *LocalStream) EnableAudio(done func(error))  { s.toggle(&s.audio, true, done) }
func (s *LocalStream) DisableAudio(done func(error)) { s.toggle(&s.audio, false, done) }

func (s *LocalStream) toggle(flag *bool, enabled bool, done func(error)) {
	err := s.provider.network.mediaFault(OpToggle)
	s.mu.Lock()
	if err == nil && !s.initialized {
		err = fmt.Errorf("stream %s not initialized", s.id)
	}
	if err == nil {
		*flag = enabled
	}
	s.mu.Unlock()
	s.provider.loop.Post(func() { done(err) })
}

func (s *LocalStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Flags returns the device state
func (s *LocalStream) Flags() (video, audio, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video, s.audio, s.closed
}
