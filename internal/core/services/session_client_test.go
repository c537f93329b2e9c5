package services

import (
	"context"
	stderrors "errors"
	"testing"

	"rillcall/internal/core/domain"
	"rillcall/pkg/errors"
	"rillcall/pkg/eventloop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type loopHarness struct {
	loop   *eventloop.Loop
	bridge *EventBridge
}

func newLoopHarness(t *testing.T) *loopHarness {
	t.Helper()
	logger := zap.NewNop().Sugar()
	loop := eventloop.New(logger)
	t.Cleanup(loop.Close)
	return &loopHarness{loop: loop, bridge: NewEventBridge(loop, logger)}
}

// do runs fn on the loop and waits
func (h *loopHarness) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.loop.Call(context.Background(), func() error {
		fn()
		return nil
	}))
}

func (h *loopHarness) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		h.do(t, func() {})
	}
}

func newTestClient(h *loopHarness, p *fakeProvider) *SessionClient {
	return NewSessionClient("primary", p, h.bridge, domain.ModeLive, domain.CodecH264, zap.NewNop().Sugar())
}

func TestSessionClient_PublishBeforeJoinIsInvalid(t *testing.T) {
	h := newLoopHarness(t)
	p := newFakeProvider()
	client := newTestClient(h, p)

	var (
		err    error
		before domain.Session
		after  domain.Session
		handle *StreamHandle
	)
	h.do(t, func() {
		require.NoError(t, client.Open())
		stream, _ := p.CreateLocalStream(localOpts(5))
		handle = NewLocalHandle(domain.LocalAV, stream, 5, h.bridge, zap.NewNop().Sugar())
		before = client.Session()
		err = client.Publish(handle, func(error) { t.Error("done must not be called") })
		after = client.Session()
	})

	appErr := requireCondition(t, err, errors.ErrCodeInvalidOperation)
	assert.Contains(t, appErr.Message, "disconnected")
	assert.ErrorIs(t, err, domain.ErrSessionNotConnected)
	assert.Equal(t, before, after, "session state must not change")
	h.do(t, func() {
		assert.Equal(t, domain.Unpublished, handle.PublishState())
		assert.Equal(t, domain.HandleCreated, handle.State())
	})
	assert.Empty(t, p.session(0).published)
}

func TestSessionClient_JoinAdoptsProviderUID(t *testing.T) {
	h := newLoopHarness(t)
	p := newFakeProvider()
	p.setConfigure(func(i int, s *fakeSession) { s.joinUID = 42 })
	client := newTestClient(h, p)

	got := make(chan domain.UID, 1)
	h.do(t, func() {
		require.NoError(t, client.Open())
		require.NoError(t, client.Join(domain.Credentials{Token: "t", ChannelName: "Test", UID: 7}, func(uid domain.UID, err error) {
			require.NoError(t, err)
			got <- uid
		}))
		assert.Equal(t, domain.Connecting, client.Session().State)
	})
	h.settle(t)

	assert.Equal(t, domain.UID(42), <-got)
	h.do(t, func() {
		s := client.Session()
		assert.Equal(t, domain.Connected, s.State)
		assert.Equal(t, domain.UID(42), s.LocalUID)
		assert.Equal(t, "Test", s.ChannelName)
	})
}

func TestSessionClient_JoinFailure(t *testing.T) {
	h := newLoopHarness(t)
	p := newFakeProvider()
	p.setConfigure(func(i int, s *fakeSession) { s.joinErr = stderrors.New("network-timeout") })
	client := newTestClient(h, p)

	errCh := make(chan error, 1)
	h.do(t, func() {
		require.NoError(t, client.Open())
		require.NoError(t, client.Join(domain.Credentials{ChannelName: "Test"}, func(_ domain.UID, err error) {
			errCh <- err
		}))
	})
	h.settle(t)

	appErr := requireCondition(t, <-errCh, errors.ErrCodeJoinFailed)
	assert.Equal(t, "network-timeout", appErr.Reason)
	h.do(t, func() { assert.Equal(t, domain.Failed, client.Session().State) })
}

func TestSessionClient_LeaveDropsInFlightCompletions(t *testing.T) {
	h := newLoopHarness(t)
	p := newFakeProvider()
	p.setConfigure(func(i int, s *fakeSession) { s.holdJoin = true })
	client := newTestClient(h, p)

	called := false
	h.do(t, func() {
		require.NoError(t, client.Open())
		require.NoError(t, client.Join(domain.Credentials{ChannelName: "Test"}, func(domain.UID, error) {
			called = true
		}))
		client.Leave()
		client.Leave()
	})

	p.session(0).release()
	h.settle(t)

	h.do(t, func() {
		assert.False(t, called, "stale join completion must be dropped")
		s := client.Session()
		assert.Equal(t, domain.Disconnected, s.State)
		assert.Equal(t, uint64(1), s.Epoch)
		assert.False(t, client.Live())
	})
	_, leaves := p.session(0).counts()
	assert.Equal(t, 1, leaves, "leave is idempotent")
}

func TestSessionClient_LeaveErrorIsSwallowed(t *testing.T) {
	h := newLoopHarness(t)
	p := newFakeProvider()
	p.setConfigure(func(i int, s *fakeSession) { s.leaveErr = stderrors.New("socket closed") })
	client := newTestClient(h, p)

	h.do(t, func() {
		require.NoError(t, client.Open())
		require.NoError(t, client.Join(domain.Credentials{ChannelName: "Test"}, func(domain.UID, error) {}))
	})
	h.settle(t)
	h.do(t, func() {
		client.Leave()
		assert.Equal(t, domain.Disconnected, client.Session().State)
	})
}

func TestSessionClient_PublishFailureLeavesHandleUnpublished(t *testing.T) {
	h := newLoopHarness(t)
	p := newFakeProvider()
	p.setConfigure(func(i int, s *fakeSession) { s.publishErr = stderrors.New("quota") })
	client := newTestClient(h, p)

	var handle *StreamHandle
	errCh := make(chan error, 1)
	h.do(t, func() {
		require.NoError(t, client.Open())
		require.NoError(t, client.Join(domain.Credentials{ChannelName: "Test"}, func(domain.UID, error) {}))
	})
	h.settle(t)
	h.do(t, func() {
		stream, _ := p.CreateLocalStream(localOpts(100))
		handle = NewLocalHandle(domain.LocalAV, stream, 100, h.bridge, zap.NewNop().Sugar())
		require.NoError(t, handle.Init(func(error) {}))
	})
	h.settle(t)
	h.do(t, func() {
		require.NoError(t, client.Publish(handle, func(err error) { errCh <- err }))
		assert.Equal(t, domain.Publishing, handle.PublishState())
	})
	h.settle(t)

	appErr := requireCondition(t, <-errCh, errors.ErrCodePublishFailed)
	assert.Equal(t, "quota", appErr.Reason)
	h.do(t, func() {
		assert.Equal(t, domain.Unpublished, handle.PublishState())
		assert.Equal(t, domain.HandleFailed, handle.State())
		assert.Equal(t, domain.Connected, client.Session().State, "publish failure does not touch the session")
	})
}

func TestSessionClient_SubscribeRequiresRemoteHandle(t *testing.T) {
	h := newLoopHarness(t)
	p := newFakeProvider()
	client := newTestClient(h, p)

	h.do(t, func() {
		require.NoError(t, client.Open())
		require.NoError(t, client.Join(domain.Credentials{ChannelName: "Test"}, func(domain.UID, error) {}))
	})
	h.settle(t)

	h.do(t, func() {
		stream, _ := p.CreateLocalStream(localOpts(100))
		local := NewLocalHandle(domain.LocalAV, stream, 100, h.bridge, zap.NewNop().Sugar())
		err := client.Subscribe(local, func(error) {})
		requireCondition(t, err, errors.ErrCodeInvalidOperation)
	})
}
