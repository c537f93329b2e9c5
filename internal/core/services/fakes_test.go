package services

import (
	"context"
	"sync"
	"testing"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockCredentialSource is a testify mock for ports.CredentialSource
type MockCredentialSource struct {
	mock.Mock
}

func (m *MockCredentialSource) Credentials(ctx context.Context, channel string) (domain.Credentials, error) {
	args := m.Called(ctx, channel)
	return args.Get(0).(domain.Credentials), args.Error(1)
}

func newCredentials() *MockCredentialSource {
	creds := &MockCredentialSource{}
	creds.On("Credentials", mock.Anything, mock.AnythingOfType("string")).
		Return(domain.Credentials{Token: "token"}, nil)
	return creds
}

// fakeProvider completes every request synchronously unless told to hold it
type fakeProvider struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	streams   []*fakeLocalStream
	configure func(index int, s *fakeSession)
	onStream  func(s *fakeLocalStream)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{}
}

func (p *fakeProvider) CreateSession(mode domain.SessionMode, codec domain.Codec) (ports.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSession{
		mode:     mode,
		codec:    codec,
		handlers: make(map[ports.EventType][]func(ports.Event)),
		joinUID:  domain.UID(100 + len(p.sessions)),
	}
	if p.configure != nil {
		p.configure(len(p.sessions), s)
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *fakeProvider) CreateLocalStream(opts ports.LocalStreamOptions) (ports.LocalStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeLocalStream{
		id:         domain.StreamID(opts.UID.String()),
		opts:       opts,
		toggleErrs: make(map[string]error),
		video:      opts.Video,
		audio:      opts.Audio,
	}
	if p.onStream != nil {
		p.onStream(s)
	}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) setConfigure(fn func(index int, s *fakeSession)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configure = fn
}

func (p *fakeProvider) setOnStream(fn func(s *fakeLocalStream)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStream = fn
}

func (p *fakeProvider) session(i int) *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.sessions) {
		return nil
	}
	return p.sessions[i]
}

func (p *fakeProvider) sessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *fakeProvider) stream(i int) *fakeLocalStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.streams) {
		return nil
	}
	return p.streams[i]
}

func (p *fakeProvider) streamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

type fakeSession struct {
	mu       sync.Mutex
	mode     domain.SessionMode
	codec    domain.Codec
	handlers map[ports.EventType][]func(ports.Event)

	joinUID      domain.UID
	joinErr      error
	holdJoin     bool
	publishErr   error
	holdPublish  bool
	subscribeErr error
	holdSub      bool
	unpublishErr error
	leaveErr     error

	joinedChannel string
	joinCalls     int
	leaveCalls    int
	published     []domain.StreamID
	unpublished   []domain.StreamID
	subscribed    []domain.StreamID
	pending       []func()
}

func (s *fakeSession) Join(token, channel string, uid domain.UID, onSuccess func(domain.UID), onFailure func(error)) {
	s.mu.Lock()
	s.joinCalls++
	s.joinedChannel = channel
	assigned := s.joinUID
	if assigned == 0 {
		assigned = uid
	}
	err := s.joinErr
	complete := func() {
		if err != nil {
			onFailure(err)
			return
		}
		onSuccess(assigned)
	}
	if s.holdJoin {
		s.pending = append(s.pending, complete)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	complete()
}

func (s *fakeSession) Leave(done func(error)) {
	s.mu.Lock()
	s.leaveCalls++
	err := s.leaveErr
	s.mu.Unlock()
	done(err)
}

func (s *fakeSession) Publish(stream ports.LocalStream, done func(error)) {
	s.mu.Lock()
	s.published = append(s.published, stream.ID())
	err := s.publishErr
	if s.holdPublish {
		s.pending = append(s.pending, func() { done(err) })
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	done(err)
}

func (s *fakeSession) Unpublish(stream ports.LocalStream, done func(error)) {
	s.mu.Lock()
	s.unpublished = append(s.unpublished, stream.ID())
	err := s.unpublishErr
	s.mu.Unlock()
	done(err)
}

func (s *fakeSession) Subscribe(stream ports.RemoteStream, done func(error)) {
	s.mu.Lock()
	s.subscribed = append(s.subscribed, stream.ID())
	err := s.subscribeErr
	if s.holdSub {
		s.pending = append(s.pending, func() { done(err) })
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	done(err)
}

func (s *fakeSession) On(event ports.EventType, handler func(ports.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *fakeSession) emit(ev ports.Event) {
	s.mu.Lock()
	handlers := append([]func(ports.Event){}, s.handlers[ev.Type]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (s *fakeSession) set(fn func(s *fakeSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// release completes every held request in order
func (s *fakeSession) release() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (s *fakeSession) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *fakeSession) counts() (joins, leaves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinCalls, s.leaveCalls
}

func (s *fakeSession) subscribedIDs() []domain.StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StreamID{}, s.subscribed...)
}

func (s *fakeSession) unpublishedIDs() []domain.StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StreamID{}, s.unpublished...)
}

func (s *fakeSession) channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinedChannel
}

type fakeLocalStream struct {
	mu         sync.Mutex
	id         domain.StreamID
	opts       ports.LocalStreamOptions
	initErr    error
	toggleErrs map[string]error
	holdToggle bool
	pending    []func()
	calls      []string
	video      bool
	audio      bool
	closed     bool
}

func (s *fakeLocalStream) ID() domain.StreamID { return s.id }

func (s *fakeLocalStream) Init(done func(error)) {
	s.mu.Lock()
	err := s.initErr
	s.mu.Unlock()
	done(err)
}

func (s *fakeLocalStream) toggle(op string, apply func(), done func(error)) {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	err := s.toggleErrs[op]
	complete := func() {
		if err == nil {
			s.mu.Lock()
			apply()
			s.mu.Unlock()
		}
		done(err)
	}
	if s.holdToggle {
		s.pending = append(s.pending, complete)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	complete()
}

func (s *fakeLocalStream) EnableVideo(done func(error)) {
	s.toggle("enable_video", func() { s.video = true }, done)
}

func (s *fakeLocalStream) DisableVideo(done func(error)) {
	s.toggle("disable_video", func() { s.video = false }, done)
}

func (s *fakeLocalStream) EnableAudio(done func(error)) {
	s.toggle("enable_audio", func() { s.audio = true }, done)
}

func (s *fakeLocalStream) DisableAudio(done func(error)) {
	s.toggle("disable_audio", func() { s.audio = false }, done)
}

func (s *fakeLocalStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeLocalStream) release() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.holdToggle = false
	s.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (s *fakeLocalStream) state() (video, audio, closed bool, calls []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video, s.audio, s.closed, append([]string{}, s.calls...)
}

func (s *fakeLocalStream) setHoldToggle(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdToggle = hold
}

func (s *fakeLocalStream) setToggleErr(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggleErrs[op] = err
}

type fakeRemote struct {
	id  domain.StreamID
	uid domain.UID
}

func (r fakeRemote) ID() domain.StreamID  { return r.id }
func (r fakeRemote) OwnerUID() domain.UID { return r.uid }

func remoteAdded(id string, uid domain.UID) ports.Event {
	return ports.Event{
		Type:     ports.EventStreamAdded,
		StreamID: domain.StreamID(id),
		UID:      uid,
		Stream:   fakeRemote{id: domain.StreamID(id), uid: uid},
	}
}

func remoteRemoved(id string) ports.Event {
	return ports.Event{Type: ports.EventStreamRemoved, StreamID: domain.StreamID(id)}
}

// recordingObserver keeps every notification it receives
type recordingObserver struct {
	mu         sync.Mutex
	rosters    [][]domain.StreamInfo
	toggles    []domain.ToggleState
	conditions []*errors.AppError
}

func (o *recordingObserver) OnRosterChanged(roster []domain.StreamInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rosters = append(o.rosters, roster)
}

func (o *recordingObserver) OnToggleStateChanged(state domain.ToggleState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.toggles = append(o.toggles, state)
}

func (o *recordingObserver) OnCondition(cond *errors.AppError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conditions = append(o.conditions, cond)
}

func (o *recordingObserver) codes() []errors.ErrorCode {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]errors.ErrorCode, 0, len(o.conditions))
	for _, c := range o.conditions {
		out = append(out, c.Code)
	}
	return out
}

func (o *recordingObserver) lastCondition() *errors.AppError {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.conditions) == 0 {
		return nil
	}
	return o.conditions[len(o.conditions)-1]
}

type coordinatorFixture struct {
	provider *fakeProvider
	creds    *MockCredentialSource
	observer *recordingObserver
	coord    *SessionCoordinator
}

func newFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		provider: newFakeProvider(),
		creds:    newCredentials(),
		observer: &recordingObserver{},
	}
	f.coord = NewSessionCoordinator(f.provider, zap.NewNop().Sugar(), f.observer)
	t.Cleanup(f.coord.Close)
	return f
}

func (f *coordinatorFixture) startConfig() ports.StartConfig {
	return ports.StartConfig{
		ChannelName: "Test",
		Credentials: f.creds,
		InitialToggles: domain.ToggleState{
			ShareVideo: true,
			ShareAudio: true,
		},
	}
}

func (f *coordinatorFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.Start(context.Background(), f.startConfig()))
	f.settle(t)
}

// settle lets chains of posted completions run to the end
func (f *coordinatorFixture) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		require.NoError(t, f.coord.loop.Call(context.Background(), func() error { return nil }))
	}
}

func countKind(roster []domain.StreamInfo, kind domain.StreamKind) int {
	n := 0
	for _, s := range roster {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func findKind(roster []domain.StreamInfo, kind domain.StreamKind) (domain.StreamInfo, bool) {
	for _, s := range roster {
		if s.Kind == kind {
			return s, true
		}
	}
	return domain.StreamInfo{}, false
}
