package services

import (
	"context"
	stderrors "errors"
	"math/rand"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func requireCondition(t *testing.T, err error, code errors.ErrorCode) *errors.AppError {
	t.Helper()
	appErr := errors.GetAppError(err)
	require.NotNil(t, appErr, "expected AppError, got %v", err)
	require.Equal(t, code, appErr.Code)
	return appErr
}

func TestStart_PublishesLocalStreamWithAssignedUID(t *testing.T) {
	f := newFixture(t)
	f.provider.setConfigure(func(i int, s *fakeSession) {
		if i == 0 {
			s.joinUID = 42
		}
	})

	f.start(t)

	roster := f.coord.Roster()
	require.Len(t, roster, 1)
	local := roster[0]
	assert.Equal(t, domain.LocalAV, local.Kind)
	assert.Equal(t, f.provider.stream(0).ID(), local.StreamID)
	assert.Equal(t, domain.StreamID("42"), local.StreamID)
	assert.Equal(t, domain.UID(42), local.OwnerUID)
	assert.Equal(t, domain.Published, local.PublishState)
	assert.Equal(t, domain.HandlePublished, local.State)

	assert.Equal(t, domain.UID(42), f.provider.stream(0).opts.UID)
	assert.Equal(t, domain.ModeLive, f.provider.session(0).mode)
	assert.Equal(t, domain.CodecH264, f.provider.session(0).codec)
	assert.Equal(t, "Test", f.provider.session(0).channel())

	status := f.coord.Status()
	assert.Equal(t, "running", status.Phase)
	require.NotNil(t, status.Primary)
	assert.Equal(t, domain.Connected, status.Primary.State)
	assert.Equal(t, domain.UID(42), status.Primary.LocalUID)

	assert.Equal(t, domain.ToggleState{ShareVideo: true, ShareAudio: true}, f.coord.ToggleState())
	assert.Empty(t, f.observer.codes())
	f.creds.AssertCalled(t, "Credentials", mock.Anything, "Test")
	f.creds.AssertCalled(t, "Credentials", mock.Anything, "ScreenShare")
}

func TestStart_JoinFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.provider.setConfigure(func(i int, s *fakeSession) {
		s.joinErr = stderrors.New("network-timeout")
	})

	err := f.coord.Start(context.Background(), f.startConfig())
	appErr := requireCondition(t, err, errors.ErrCodeSessionStartFailed)
	assert.Equal(t, "join", appErr.Stage)
	assert.Equal(t, "network-timeout", appErr.Reason)
	assert.True(t, errors.HasCode(appErr.Cause, errors.ErrCodeJoinFailed))

	f.settle(t)
	assert.Empty(t, f.coord.Roster())
	assert.Equal(t, 0, f.provider.streamCount(), "no local stream may be created")
	assert.Equal(t, "failed", f.coord.Status().Phase)
	assert.Contains(t, f.observer.codes(), errors.ErrCodeSessionStartFailed)

	err = f.coord.Start(context.Background(), f.startConfig())
	requireCondition(t, err, errors.ErrCodeInvalidOperation)
}

func TestStart_PublishFailureTearsDown(t *testing.T) {
	f := newFixture(t)
	f.provider.setConfigure(func(i int, s *fakeSession) {
		if i == 0 {
			s.publishErr = stderrors.New("rejected")
		}
	})

	err := f.coord.Start(context.Background(), f.startConfig())
	appErr := requireCondition(t, err, errors.ErrCodeSessionStartFailed)
	assert.Equal(t, "publish", appErr.Stage)
	assert.Equal(t, "rejected", appErr.Reason)

	f.settle(t)
	assert.Empty(t, f.coord.Roster())
	_, _, closed, _ := f.provider.stream(0).state()
	assert.True(t, closed, "local media must be released")
	_, leaves := f.provider.session(0).counts()
	assert.Equal(t, 1, leaves)
	assert.Equal(t, "idle", f.coord.Status().Phase)

	// not a join failure, so a new attempt is allowed
	require.NoError(t, f.coord.Start(context.Background(), f.startConfig()))
	f.settle(t)
	assert.Len(t, f.coord.Roster(), 1)
}

func TestStart_MediaFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.setOnStream(func(s *fakeLocalStream) {
		s.initErr = stderrors.New("camera busy")
	})

	err := f.coord.Start(context.Background(), f.startConfig())
	appErr := requireCondition(t, err, errors.ErrCodeSessionStartFailed)
	assert.Equal(t, "media", appErr.Stage)
	assert.Equal(t, "camera busy", appErr.Reason)
	f.settle(t)
	assert.Empty(t, f.coord.Roster())
}

func TestStart_CredentialsFailure(t *testing.T) {
	f := newFixture(t)
	creds := &MockCredentialSource{}
	creds.On("Credentials", mock.Anything, "Test").Return(domain.Credentials{}, stderrors.New("vault down"))

	cfg := f.startConfig()
	cfg.Credentials = creds
	err := f.coord.Start(context.Background(), cfg)

	appErr := requireCondition(t, err, errors.ErrCodeSessionStartFailed)
	assert.Equal(t, "credentials", appErr.Stage)
	assert.Equal(t, "vault down", appErr.Reason)
	assert.Equal(t, 0, f.provider.sessionCount())
	creds.AssertExpectations(t)
}

func TestStart_CredentialsForAnotherChannelRejected(t *testing.T) {
	f := newFixture(t)
	creds := &MockCredentialSource{}
	creds.On("Credentials", mock.Anything, "Test").
		Return(domain.Credentials{Token: "t", ChannelName: "Lobby"}, nil)

	cfg := f.startConfig()
	cfg.Credentials = creds
	err := f.coord.Start(context.Background(), cfg)

	appErr := requireCondition(t, err, errors.ErrCodeSessionStartFailed)
	assert.Equal(t, "credentials", appErr.Stage)
	assert.Contains(t, appErr.Reason, `"Lobby"`)
	assert.Equal(t, 0, f.provider.sessionCount())
}

func TestStart_JoinsConfiguredChannelWhenCredentialsAreBlank(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	assert.Equal(t, "Test", f.provider.session(0).channel())
	assert.Equal(t, "Test", f.coord.Status().Primary.ChannelName)
}

func TestStart_InvalidConfig(t *testing.T) {
	f := newFixture(t)

	cfg := f.startConfig()
	cfg.ChannelName = ""
	requireCondition(t, f.coord.Start(context.Background(), cfg), errors.ErrCodeInvalidInput)

	cfg = f.startConfig()
	cfg.Credentials = nil
	requireCondition(t, f.coord.Start(context.Background(), cfg), errors.ErrCodeInvalidInput)

	cfg = f.startConfig()
	cfg.CaptureSource = "tab"
	requireCondition(t, f.coord.Start(context.Background(), cfg), errors.ErrCodeInvalidInput)
}

func TestStart_ContextCancelledDuringJoin(t *testing.T) {
	f := newFixture(t)
	f.provider.setConfigure(func(i int, s *fakeSession) { s.holdJoin = true })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.coord.Start(ctx, f.startConfig())

	appErr := requireCondition(t, err, errors.ErrCodeSessionStartFailed)
	assert.Equal(t, "join", appErr.Stage)
	assert.Equal(t, context.DeadlineExceeded.Error(), appErr.Reason)

	// the late join completion is stale and must be ignored
	f.provider.session(0).release()
	f.settle(t)
	assert.Empty(t, f.coord.Roster())
	assert.Equal(t, 0, f.provider.streamCount())
	_, leaves := f.provider.session(0).counts()
	assert.Equal(t, 1, leaves)
}

func TestStart_Twice(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	requireCondition(t, f.coord.Start(context.Background(), f.startConfig()), errors.ErrCodeInvalidOperation)
}

func TestStop_DuringStart(t *testing.T) {
	f := newFixture(t)
	f.provider.setConfigure(func(i int, s *fakeSession) {
		if i == 0 {
			s.holdJoin = true
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- f.coord.Start(context.Background(), f.startConfig()) }()
	require.Eventually(t, func() bool {
		s := f.provider.session(0)
		return s != nil && s.pendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.coord.Stop(context.Background()))

	select {
	case err := <-errCh:
		appErr := requireCondition(t, err, errors.ErrCodeSessionStartFailed)
		assert.Equal(t, "join", appErr.Stage)
		assert.Equal(t, domain.ErrStopped.Error(), appErr.Reason)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, "idle", f.coord.Status().Phase)
}

func TestRemoteStream_AddSubscribeRemove(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	primary := f.provider.session(0)

	primary.emit(remoteAdded("7", 7))
	f.settle(t)

	roster := f.coord.Roster()
	assert.Equal(t, 1, countKind(roster, domain.Remote))
	remote, ok := findKind(roster, domain.Remote)
	require.True(t, ok)
	assert.Equal(t, domain.StreamID("7"), remote.StreamID)
	assert.True(t, remote.Subscribed)
	assert.Equal(t, domain.HandleReady, remote.State)
	assert.Equal(t, []domain.StreamID{"7"}, primary.subscribedIDs())

	primary.emit(remoteRemoved("7"))
	f.settle(t)

	roster = f.coord.Roster()
	assert.Equal(t, 0, countKind(roster, domain.Remote))
	assert.Len(t, roster, 1, "only the local stream remains")
}

func TestRemoteStream_DuplicateAddIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	primary := f.provider.session(0)

	primary.emit(remoteAdded("7", 7))
	primary.emit(remoteAdded("7", 7))
	f.settle(t)

	assert.Equal(t, 1, countKind(f.coord.Roster(), domain.Remote))
	assert.Len(t, primary.subscribedIDs(), 1)
}

func TestRemoteStream_UnknownOrLocalRemovalIgnored(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	primary := f.provider.session(0)
	localID := f.provider.stream(0).ID()

	primary.emit(remoteRemoved("missing"))
	primary.emit(remoteRemoved(string(localID)))
	f.settle(t)

	roster := f.coord.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, localID, roster[0].StreamID)
	assert.Empty(t, f.observer.codes())
}

func TestRemoteStream_SubscribeFailureKeepsHandle(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	primary := f.provider.session(0)
	primary.set(func(s *fakeSession) { s.subscribeErr = stderrors.New("no route") })

	primary.emit(remoteAdded("9", 9))
	f.settle(t)

	remote, ok := findKind(f.coord.Roster(), domain.Remote)
	require.True(t, ok)
	assert.False(t, remote.Subscribed)

	cond := f.observer.lastCondition()
	require.NotNil(t, cond)
	assert.Equal(t, errors.ErrCodeSubscribeFailed, cond.Code)
	assert.Equal(t, "no route", cond.Reason)
	assert.Equal(t, "9", cond.Context["stream_id"])
}

func TestRemoteStream_RemovedWhileSubscribingReportsNothing(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	primary := f.provider.session(0)
	primary.set(func(s *fakeSession) {
		s.subscribeErr = stderrors.New("stream 9 removed")
		s.holdSub = true
	})

	primary.emit(remoteAdded("9", 9))
	f.settle(t)
	primary.emit(remoteRemoved("9"))
	primary.release()
	f.settle(t)

	assert.Equal(t, 0, countKind(f.coord.Roster(), domain.Remote))
	assert.NotContains(t, f.observer.codes(), errors.ErrCodeSubscribeFailed)
}

func TestRemoteStream_SubscribedEventMarksHandle(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	primary := f.provider.session(0)
	primary.set(func(s *fakeSession) { s.holdSub = true })

	primary.emit(remoteAdded("8", 8))
	f.settle(t)
	remote, _ := findKind(f.coord.Roster(), domain.Remote)
	assert.False(t, remote.Subscribed)

	primary.emit(ports.Event{Type: ports.EventStreamSubscribed, StreamID: "8"})
	f.settle(t)
	remote, _ = findKind(f.coord.Roster(), domain.Remote)
	assert.True(t, remote.Subscribed)
}

func TestRemoteStream_RosterArithmetic(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	primary := f.provider.session(0)

	rng := rand.New(rand.NewSource(7))
	model := map[string]bool{}
	for i := 0; i < 300; i++ {
		id := []string{"1", "2", "3", "4", "5", "6"}[rng.Intn(6)]
		if rng.Intn(2) == 0 {
			primary.emit(remoteAdded(id, domain.UID(rng.Intn(1000)+1000)))
			model[id] = true
		} else {
			primary.emit(remoteRemoved(id))
			delete(model, id)
		}
	}
	f.settle(t)

	roster := f.coord.Roster()
	assert.Equal(t, len(model), countKind(roster, domain.Remote))
	seen := map[domain.StreamID]bool{}
	for _, s := range roster {
		assert.False(t, seen[s.StreamID], "duplicate stream id %s", s.StreamID)
		seen[s.StreamID] = true
		if s.Kind == domain.Remote {
			assert.True(t, model[string(s.StreamID)])
		}
	}
}

func TestToggleVideo_EvenCountRestoresState(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	initial := f.coord.ToggleState()

	_, err := f.coord.ToggleVideo(context.Background())
	require.NoError(t, err)
	state, err := f.coord.ToggleVideo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, initial, state)

	f.settle(t)
	assert.Equal(t, initial, f.coord.ToggleState())
	video, _, _, calls := f.provider.stream(0).state()
	assert.True(t, video)
	assert.Equal(t, []string{"disable_video", "enable_video"}, calls)
}

func TestToggle_ParityProperty(t *testing.T) {
	for n := 0; n < 6; n++ {
		f := newFixture(t)
		f.start(t)
		for i := 0; i < n; i++ {
			_, err := f.coord.ToggleAudio(context.Background())
			require.NoError(t, err)
		}
		f.settle(t)

		want := n%2 == 0
		assert.Equal(t, want, f.coord.ToggleState().ShareAudio, "after %d toggles", n)
		_, audio, _, _ := f.provider.stream(0).state()
		assert.Equal(t, want, audio, "after %d toggles", n)
	}
}

func TestToggle_QueuedUntilPublished(t *testing.T) {
	f := newFixture(t)
	f.provider.setConfigure(func(i int, s *fakeSession) {
		if i == 0 {
			s.holdPublish = true
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- f.coord.Start(context.Background(), f.startConfig()) }()
	require.Eventually(t, func() bool {
		s := f.provider.session(0)
		return s != nil && s.pendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	state, err := f.coord.ToggleVideo(context.Background())
	require.NoError(t, err)
	assert.False(t, state.ShareVideo)
	_, _, _, calls := f.provider.stream(0).state()
	assert.Empty(t, calls, "toggle must wait for publish")

	f.provider.session(0).release()
	require.NoError(t, <-errCh)
	f.settle(t)

	video, _, _, calls := f.provider.stream(0).state()
	assert.False(t, video)
	assert.Equal(t, []string{"disable_video"}, calls)
	assert.False(t, f.coord.ToggleState().ShareVideo)
	local, _ := findKind(f.coord.Roster(), domain.LocalAV)
	assert.False(t, local.VideoEnabled)
}

func TestToggle_FailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.provider.stream(0).setToggleErr("disable_video", stderrors.New("device busy"))

	state, err := f.coord.ToggleVideo(context.Background())
	require.NoError(t, err)
	assert.False(t, state.ShareVideo)

	f.settle(t)
	assert.True(t, f.coord.ToggleState().ShareVideo, "intent reverts to the confirmed value")
	local, _ := findKind(f.coord.Roster(), domain.LocalAV)
	assert.True(t, local.VideoEnabled)

	cond := f.observer.lastCondition()
	require.NotNil(t, cond)
	assert.Equal(t, errors.ErrCodeCapabilityToggleFailed, cond.Code)
	assert.Equal(t, "video", cond.Context["capability"])
	assert.Equal(t, "device busy", cond.Reason)
}

func TestToggle_CancelledBeforeRunningHasNoEffect(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	initial := f.coord.ToggleState()

	release := make(chan struct{})
	f.coord.loop.Post(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.coord.ToggleVideo(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	f.settle(t)
	assert.Equal(t, initial, f.coord.ToggleState())
	_, _, _, calls := f.provider.stream(0).state()
	assert.Empty(t, calls)
}

func TestToggle_BeforeStartIsInvalid(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.ToggleVideo(context.Background())
	requireCondition(t, err, errors.ErrCodeInvalidOperation)
	assert.ErrorIs(t, err, domain.ErrNotStarted)
	_, err = f.coord.ToggleScreenShare(context.Background())
	requireCondition(t, err, errors.ErrCodeInvalidOperation)
	assert.ErrorIs(t, err, domain.ErrNotStarted)
}

func TestStart_InitialTogglesApplied(t *testing.T) {
	f := newFixture(t)
	cfg := f.startConfig()
	cfg.InitialToggles.ShareVideo = false
	require.NoError(t, f.coord.Start(context.Background(), cfg))
	f.settle(t)

	video, audio, _, calls := f.provider.stream(0).state()
	assert.False(t, video)
	assert.True(t, audio)
	assert.Equal(t, []string{"disable_video"}, calls)
	assert.Equal(t, domain.ToggleState{ShareAudio: true}, f.coord.ToggleState())
}

func TestScreenShare_EnableAndDisable(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	state, err := f.coord.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.True(t, state.ShareScreen)
	f.settle(t)

	require.Equal(t, 2, f.provider.sessionCount())
	screen := f.provider.session(1)
	assert.Equal(t, domain.ModeRTC, screen.mode)
	assert.Equal(t, domain.CodecVP8, screen.codec)
	assert.Equal(t, "ScreenShare", screen.channel())

	opts := f.provider.stream(1).opts
	assert.True(t, opts.Screen)
	assert.True(t, opts.Video)
	assert.False(t, opts.Audio)
	assert.Equal(t, "window", opts.CaptureSource)

	local, ok := findKind(f.coord.Roster(), domain.LocalScreen)
	require.True(t, ok)
	assert.Equal(t, domain.Published, local.PublishState)
	assert.True(t, f.coord.ToggleState().ShareScreen)
	assert.NotNil(t, f.coord.Status().Screen)

	// the primary session sees our own screen stream; it is not a remote
	f.provider.session(0).emit(remoteAdded(string(local.StreamID), local.OwnerUID))
	f.settle(t)
	assert.Equal(t, 0, countKind(f.coord.Roster(), domain.Remote))

	state, err = f.coord.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.False(t, state.ShareScreen)
	f.settle(t)

	assert.Equal(t, 0, countKind(f.coord.Roster(), domain.LocalScreen))
	assert.Equal(t, []domain.StreamID{local.StreamID}, screen.unpublishedIDs())
	_, leaves := screen.counts()
	assert.Equal(t, 1, leaves)
	_, _, closed, _ := f.provider.stream(1).state()
	assert.True(t, closed)
	assert.Nil(t, f.coord.Status().Screen)
}

func TestScreenShare_WhileVideoTogglePending(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	av := f.provider.stream(0)
	av.setHoldToggle(true)

	_, err := f.coord.ToggleVideo(context.Background())
	require.NoError(t, err)
	_, err = f.coord.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	f.settle(t)

	local, ok := findKind(f.coord.Roster(), domain.LocalScreen)
	require.True(t, ok)
	assert.Equal(t, domain.Published, local.PublishState)
	assert.Equal(t, domain.ToggleState{ShareVideo: false, ShareAudio: true, ShareScreen: true}, f.coord.ToggleState())

	av.release()
	f.settle(t)

	video, _, _, _ := av.state()
	assert.False(t, video)
	_, _, _, screenCalls := f.provider.stream(1).state()
	assert.Empty(t, screenCalls)
	assert.Equal(t, domain.ToggleState{ShareVideo: false, ShareAudio: true, ShareScreen: true}, f.coord.ToggleState())
}

func TestScreenShare_CoalescesToLatestIntent(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.provider.setConfigure(func(i int, s *fakeSession) {
		if i == 1 {
			s.holdJoin = true
		}
	})

	for i := 0; i < 3; i++ {
		_, err := f.coord.ToggleScreenShare(context.Background())
		require.NoError(t, err)
	}
	f.settle(t)
	require.Equal(t, 2, f.provider.sessionCount(), "in-flight enable must not start another session")

	f.provider.session(1).release()
	f.settle(t)

	assert.Equal(t, 2, f.provider.sessionCount())
	assert.True(t, f.coord.ToggleState().ShareScreen)
	assert.Equal(t, 1, countKind(f.coord.Roster(), domain.LocalScreen))
}

func TestScreenShare_DisableRequestedDuringEnable(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.provider.setConfigure(func(i int, s *fakeSession) {
		if i == 1 {
			s.holdJoin = true
		}
	})

	_, err := f.coord.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	state, err := f.coord.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.False(t, state.ShareScreen)

	f.provider.session(1).release()
	f.settle(t)

	assert.False(t, f.coord.ToggleState().ShareScreen)
	assert.Equal(t, 0, countKind(f.coord.Roster(), domain.LocalScreen))
	_, leaves := f.provider.session(1).counts()
	assert.Equal(t, 1, leaves)
	assert.Nil(t, f.coord.Status().Screen)
}

func TestScreenShare_JoinFailureRevertsIntent(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.provider.setConfigure(func(i int, s *fakeSession) {
		if i == 1 {
			s.joinErr = stderrors.New("denied")
		}
	})

	state, err := f.coord.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.True(t, state.ShareScreen)
	f.settle(t)

	assert.False(t, f.coord.ToggleState().ShareScreen)
	assert.Equal(t, 0, countKind(f.coord.Roster(), domain.LocalScreen))
	cond := f.observer.lastCondition()
	require.NotNil(t, cond)
	assert.Equal(t, errors.ErrCodeJoinFailed, cond.Code)
	assert.Equal(t, "running", f.coord.Status().Phase, "screen failures are not fatal")
}

func TestScreenShare_InitialToggleEnablesAfterStart(t *testing.T) {
	f := newFixture(t)
	cfg := f.startConfig()
	cfg.InitialToggles.ShareScreen = true
	cfg.ScreenChannelName = "Slides"
	cfg.CaptureSource = "screen"
	require.NoError(t, f.coord.Start(context.Background(), cfg))
	f.settle(t)

	require.Equal(t, 2, f.provider.sessionCount())
	assert.Equal(t, "Slides", f.provider.session(1).channel())
	assert.Equal(t, "screen", f.provider.stream(1).opts.CaptureSource)
	assert.Equal(t, 1, countKind(f.coord.Roster(), domain.LocalScreen))
}

func TestConnectionLost_PrimaryDropsRemotes(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	primary := f.provider.session(0)
	primary.emit(remoteAdded("7", 7))
	f.settle(t)

	primary.emit(ports.Event{Type: ports.EventConnectionLost, Reason: "ice failed"})
	f.settle(t)

	roster := f.coord.Roster()
	assert.Equal(t, 0, countKind(roster, domain.Remote))
	assert.Equal(t, 1, countKind(roster, domain.LocalAV))
	cond := f.observer.lastCondition()
	require.NotNil(t, cond)
	assert.Equal(t, errors.ErrCodeConnectionLost, cond.Code)
	assert.Equal(t, "ice failed", cond.Reason)
	assert.Equal(t, domain.Failed, f.coord.Status().Primary.State)
}

func TestConnectionLost_ScreenTearsDownShare(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_, err := f.coord.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	f.settle(t)

	f.provider.session(1).emit(ports.Event{Type: ports.EventConnectionLost})
	f.settle(t)

	assert.False(t, f.coord.ToggleState().ShareScreen)
	assert.Equal(t, 0, countKind(f.coord.Roster(), domain.LocalScreen))
	assert.Equal(t, errors.ErrCodeConnectionLost, f.observer.lastCondition().Code)
}

func TestStop_ReleasesEverything(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.provider.session(0).emit(remoteAdded("7", 7))
	_, err := f.coord.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	f.settle(t)
	require.Len(t, f.coord.Roster(), 3)

	require.NoError(t, f.coord.Stop(context.Background()))
	require.NoError(t, f.coord.Stop(context.Background()))

	assert.Empty(t, f.coord.Roster())
	assert.Equal(t, domain.ToggleState{}, f.coord.ToggleState())
	assert.Equal(t, "idle", f.coord.Status().Phase)
	_, _, closed, _ := f.provider.stream(0).state()
	assert.True(t, closed)
	for i := 0; i < 2; i++ {
		_, leaves := f.provider.session(i).counts()
		assert.Equal(t, 1, leaves, "session %d", i)
	}

	// events from the old session are dropped
	f.provider.session(0).emit(remoteAdded("8", 8))
	f.settle(t)
	assert.Empty(t, f.coord.Roster())

	require.NoError(t, f.coord.Start(context.Background(), f.startConfig()))
	f.settle(t)
	assert.Len(t, f.coord.Roster(), 1)
}

func TestObserver_ReceivesCopies(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.observer.mu.Lock()
	require.NotEmpty(t, f.observer.rosters)
	last := f.observer.rosters[len(f.observer.rosters)-1]
	require.Len(t, last, 1)
	last[0].StreamID = "tampered"
	require.NotEmpty(t, f.observer.toggles)
	f.observer.mu.Unlock()

	assert.NotEqual(t, domain.StreamID("tampered"), f.coord.Roster()[0].StreamID)
}
