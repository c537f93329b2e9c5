package webrtc

import (
	"fmt"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// RemoteSink receives the RTP packets of subscribed remote tracks. It is
// the hand-off point to whatever renders them.
type RemoteSink interface {
	WriteRTP(streamID domain.StreamID, kind webrtc.RTPCodecType, packet *rtp.Packet)
}

// SinkFunc adapts a function to RemoteSink
type SinkFunc func(streamID domain.StreamID, kind webrtc.RTPCodecType, packet *rtp.Packet)

func (f SinkFunc) WriteRTP(streamID domain.StreamID, kind webrtc.RTPCodecType, packet *rtp.Packet) {
	f(streamID, kind, packet)
}

type discardSink struct{}

func (discardSink) WriteRTP(domain.StreamID, webrtc.RTPCodecType, *rtp.Packet) {}

// Provider implements ports.MediaProvider with one PeerConnection per
// published stream and subscriber, negotiated through the signaling server.
type Provider struct {
	config Config
	api    *webrtc.API
	dialer *websocket.Dialer
	sink   RemoteSink
	logger *zap.SugaredLogger
}

// NewProvider builds the pion API. sink may be nil to drop remote media.
func NewProvider(cfg Config, sink RemoteSink, logger *zap.SugaredLogger) (*Provider, error) {
	if cfg.SignalURL == "" {
		return nil, fmt.Errorf("signal URL is required")
	}
	if sink == nil {
		sink = discardSink{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Provider{
		config: cfg,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout},
		sink:   sink,
		logger: logger.With("provider", "webrtc"),
	}, nil
}

func (p *Provider) CreateSession(mode domain.SessionMode, codec domain.Codec) (ports.SessionHandle, error) {
	return newSession(p, mode, codec), nil
}

// CreateLocalStream names streams the same way the in-memory provider does
func (p *Provider) CreateLocalStream(opts ports.LocalStreamOptions) (ports.LocalStream, error) {
	if !opts.Audio && !opts.Video {
		return nil, fmt.Errorf("stream needs audio or video")
	}
	id := domain.StreamID(opts.UID.String())
	if opts.Screen {
		id += "-screen"
	}
	return &LocalStream{id: id, opts: opts, logger: p.logger}, nil
}

func (p *Provider) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// LocalStream owns the static sample tracks fed by the capture source.
// Samples written while a capability is disabled are dropped.
type LocalStream struct {
	id     domain.StreamID
	opts   ports.LocalStreamOptions
	logger *zap.SugaredLogger

	mu          sync.Mutex
	video       *webrtc.TrackLocalStaticSample
	audio       *webrtc.TrackLocalStaticSample
	videoOn     bool
	audioOn     bool
	initialized bool
	closed      bool
	onKeyframe  func()
}

func (s *LocalStream) ID() domain.StreamID { return s.id }

// VideoMimeType is H.264 for camera streams and VP8 for screen captures
func (s *LocalStream) VideoMimeType() string {
	if s.opts.Screen {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeH264
}

func (s *LocalStream) Init(done func(error)) {
	err := s.init()
	go done(err)
}

func (s *LocalStream) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream %s closed", s.id)
	}
	if s.initialized {
		return nil
	}
	if s.opts.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: s.VideoMimeType()},
			"video",
			string(s.id),
		)
		if err != nil {
			return fmt.Errorf("failed to create video track: %w", err)
		}
		s.video = track
		s.videoOn = true
	}
	if s.opts.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio",
			string(s.id),
		)
		if err != nil {
			return fmt.Errorf("failed to create audio track: %w", err)
		}
		s.audio = track
		s.audioOn = true
	}
	s.initialized = true
	s.logger.Debugw("local stream initialized",
		"stream_id", string(s.id),
		"video", s.opts.Video,
		"audio", s.opts.Audio,
		"capture_source", s.opts.CaptureSource,
	)
	return nil
}

func (s *LocalStream) EnableVideo(done func(error))  { s.toggle(webrtc.RTPCodecTypeVideo, true, done) }
func (s *LocalStream) DisableVideo(done func(error)) { s.toggle(webrtc.RTPCodecTypeVideo, false, done) }
func (s *LocalStream) EnableAudio(done func(error))  { s.toggle(webrtc.RTPCodecTypeAudio, true, done) }
func (s *LocalStream) DisableAudio(done func(error)) { s.toggle(webrtc.RTPCodecTypeAudio, false, done) }

func (s *LocalStream) toggle(kind webrtc.RTPCodecType, on bool, done func(error)) {
	s.mu.Lock()
	var err error
	switch {
	case !s.initialized || s.closed:
		err = fmt.Errorf("stream %s not initialized", s.id)
	case kind == webrtc.RTPCodecTypeVideo && s.video == nil:
		err = fmt.Errorf("stream %s has no video", s.id)
	case kind == webrtc.RTPCodecTypeAudio && s.audio == nil:
		err = fmt.Errorf("stream %s has no audio", s.id)
	case kind == webrtc.RTPCodecTypeVideo:
		s.videoOn = on
	default:
		s.audioOn = on
	}
	s.mu.Unlock()
	go done(err)
}

// WriteSample feeds one encoded sample from the capture source
func (s *LocalStream) WriteSample(kind webrtc.RTPCodecType, sample media.Sample) error {
	s.mu.Lock()
	var track *webrtc.TrackLocalStaticSample
	switch {
	case s.closed:
	case kind == webrtc.RTPCodecTypeVideo && s.videoOn:
		track = s.video
	case kind == webrtc.RTPCodecTypeAudio && s.audioOn:
		track = s.audio
	}
	s.mu.Unlock()
	if track == nil {
		return nil
	}
	return track.WriteSample(sample)
}

// OnKeyframeRequest registers the capture source callback run when a
// subscriber asks for a new keyframe.
func (s *LocalStream) OnKeyframeRequest(fn func()) {
	s.mu.Lock()
	s.onKeyframe = fn
	s.mu.Unlock()
}

func (s *LocalStream) requestKeyframe() {
	s.mu.Lock()
	fn := s.onKeyframe
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Flags returns the video and audio enabled flags
func (s *LocalStream) Flags() (video, audio bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn, s.audioOn
}

func (s *LocalStream) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized && !s.closed
}

func (s *LocalStream) tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tracks []webrtc.TrackLocal
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	return tracks
}

func (s *LocalStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.videoOn = false
	s.audioOn = false
	s.mu.Unlock()
}

type remoteStream struct {
	id    domain.StreamID
	owner domain.UID
}

func (r remoteStream) ID() domain.StreamID  { return r.id }
func (r remoteStream) OwnerUID() domain.UID { return r.owner }
