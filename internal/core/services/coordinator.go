package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"
	"rillcall/pkg/eventloop"
	"rillcall/pkg/tracing"
	"rillcall/pkg/validation"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	StageCredentials = "credentials"
	StageSession     = "session"
	StageJoin        = "join"
	StageMedia       = "media"
	StagePublish     = "publish"

	DefaultScreenChannel = "ScreenShare"
	DefaultCaptureSource = "window"
)

type phase int

const (
	phaseIdle phase = iota
	phaseStarting
	phaseRunning
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseStarting:
		return "starting"
	case phaseRunning:
		return "running"
	case phaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var avCapabilities = []domain.Capability{domain.CapabilityVideo, domain.CapabilityAudio}

// SessionCoordinator owns the primary and screen share sessions, the roster
// and the toggle state. All of that state lives on one event loop. Public
// methods hop onto it; readers get the snapshots published after each change.
type SessionCoordinator struct {
	provider  ports.MediaProvider
	loop      *eventloop.Loop
	bridge    *EventBridge
	observers *ObserverGroup
	logger    *zap.SugaredLogger

	// loop confined
	phase         phase
	cfg           ports.StartConfig
	start         *startRun
	primary       *SessionClient
	screen        *SessionClient
	localAV       *StreamHandle
	localScreen   *StreamHandle
	ownStreams    map[domain.StreamID]struct{}
	roster        *Roster
	intent        domain.ToggleState
	queues        map[domain.Capability]*toggleQueue
	screenCreds   domain.Credentials
	screenBusy    bool
	screenDesired bool

	mu         sync.RWMutex
	rosterSnap []domain.StreamInfo
	toggleSnap domain.ToggleState
	statusSnap ports.CoordinatorStatus
}

func NewSessionCoordinator(provider ports.MediaProvider, logger *zap.SugaredLogger, observers ...ports.Observer) *SessionCoordinator {
	loop := eventloop.New(logger)
	c := &SessionCoordinator{
		provider:   provider,
		loop:       loop,
		bridge:     NewEventBridge(loop, logger),
		observers:  NewObserverGroup(observers...),
		logger:     logger,
		roster:     NewRoster(),
		ownStreams: make(map[domain.StreamID]struct{}),
		rosterSnap: []domain.StreamInfo{},
		statusSnap: ports.CoordinatorStatus{Phase: phaseIdle.String()},
	}
	c.resetQueues()
	return c
}

// AddObserver registers an observer for all future notifications
func (c *SessionCoordinator) AddObserver(o ports.Observer) {
	c.observers.Add(o)
}

// startRun tracks one Start call across the asynchronous stages
type startRun struct {
	ctx      context.Context
	channel  string
	stage    string
	span     trace.Span
	result   chan error
	finished bool
}

func (r *startRun) enter(stage string) {
	if r.span != nil {
		r.span.End()
	}
	r.stage = stage
	_, r.span = tracing.TraceStartStage(r.ctx, stage, r.channel)
}

func (r *startRun) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true
	if r.span != nil {
		tracing.Finish(r.span, err)
	}
	r.result <- err
}

func normalizeStartConfig(cfg *ports.StartConfig) error {
	if err := validation.ValidateChannelName(cfg.ChannelName); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	if cfg.ScreenChannelName == "" {
		cfg.ScreenChannelName = DefaultScreenChannel
	}
	if err := validation.ValidateChannelName(cfg.ScreenChannelName); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	if cfg.CaptureSource == "" {
		cfg.CaptureSource = DefaultCaptureSource
	}
	if err := validation.ValidateCaptureSource(cfg.CaptureSource); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	if cfg.Credentials == nil {
		return errors.NewInvalidInputError("credential source is required")
	}
	return nil
}

// channelCredentials asks source for channel's credentials. The session
// always joins channel: a blank channel in the result is filled in and a
// different one is rejected.
func channelCredentials(ctx context.Context, source ports.CredentialSource, channel string) (domain.Credentials, error) {
	creds, err := source.Credentials(ctx, channel)
	if err != nil {
		return domain.Credentials{}, err
	}
	switch creds.ChannelName {
	case "":
		creds.ChannelName = channel
	case channel:
	default:
		return domain.Credentials{}, errors.NewInvalidInputError(
			fmt.Sprintf("credentials issued for channel %q, want %q", creds.ChannelName, channel))
	}
	return creds, nil
}

// Start joins the primary channel, acquires local media and publishes it.
// It blocks until the local stream is published or a stage fails, in which
// case everything created so far is torn down and a SESSION_START_FAILED
// condition is returned.
func (c *SessionCoordinator) Start(ctx context.Context, cfg ports.StartConfig) error {
	if err := normalizeStartConfig(&cfg); err != nil {
		return err
	}

	run := &startRun{
		ctx:     ctx,
		channel: cfg.ChannelName,
		result:  make(chan error, 1),
	}
	if err := c.loop.Call(ctx, func() error { return c.beginStart(run, cfg) }); err != nil {
		if ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
			return c.abortStart(run, StageCredentials, err)
		}
		return err
	}

	primaryCreds, err := channelCredentials(ctx, cfg.Credentials, cfg.ChannelName)
	var screenCreds domain.Credentials
	if err == nil {
		screenCreds, err = channelCredentials(ctx, cfg.Credentials, cfg.ScreenChannelName)
	}
	if err != nil {
		return c.abortStart(run, StageCredentials, err)
	}

	if !c.loop.Post(func() { c.openPrimary(run, primaryCreds, screenCreds) }) {
		return c.abortStart(run, StageSession, eventloop.ErrClosed)
	}

	select {
	case err := <-run.result:
		return err
	case <-ctx.Done():
		return c.abortStart(run, "", ctx.Err())
	}
}

func (c *SessionCoordinator) beginStart(run *startRun, cfg ports.StartConfig) error {
	if err := run.ctx.Err(); err != nil {
		return err
	}
	switch c.phase {
	case phaseFailed:
		return errors.NewInvalidOperationError("coordinator failed to join, create a new one")
	case phaseStarting, phaseRunning:
		return errors.NewInvalidOperationError(domain.ErrAlreadyStarted.Error())
	}

	c.phase = phaseStarting
	c.start = run
	c.cfg = cfg
	c.intent = domain.ToggleState{
		ShareVideo:  cfg.InitialToggles.ShareVideo,
		ShareAudio:  cfg.InitialToggles.ShareAudio,
		ShareScreen: cfg.InitialToggles.ShareScreen,
	}
	c.screenDesired = cfg.InitialToggles.ShareScreen
	c.resetQueues()
	run.enter(StageCredentials)

	c.logger.Infow("Starting session",
		"channel", cfg.ChannelName,
		"screen_channel", cfg.ScreenChannelName,
		"initial_video", cfg.InitialToggles.ShareVideo,
		"initial_audio", cfg.InitialToggles.ShareAudio,
		"initial_screen", cfg.InitialToggles.ShareScreen,
	)
	c.publishToggles()
	c.publishStatus()
	return nil
}

// abortStart fails the run from outside the loop and returns its result,
// which may still be a success if the run completed first.
func (c *SessionCoordinator) abortStart(run *startRun, stage string, cause error) error {
	err := c.loop.Call(context.Background(), func() error {
		if c.start == run {
			c.failStart(run, stage, cause)
			return nil
		}
		// never got going; finish is a no-op if it already completed
		if stage == "" {
			stage = run.stage
		}
		if stage == "" {
			stage = StageCredentials
		}
		run.finish(errors.NewSessionStartFailedError(stage, cause))
		return nil
	})
	if err != nil {
		if stage == "" {
			stage = StageCredentials
		}
		return errors.NewSessionStartFailedError(stage, cause)
	}
	return <-run.result
}

func (c *SessionCoordinator) openPrimary(run *startRun, creds, screenCreds domain.Credentials) {
	if c.start != run {
		return
	}
	c.screenCreds = screenCreds

	run.enter(StageSession)
	primary := NewSessionClient("primary", c.provider, c.bridge, domain.ModeLive, domain.CodecH264, c.logger)
	c.primary = primary
	if err := primary.Open(); err != nil {
		c.failStart(run, StageSession, err)
		return
	}
	err := primary.On(map[ports.EventType]func(ports.Event){
		ports.EventStreamAdded:      c.onRemoteStreamAdded,
		ports.EventStreamRemoved:    c.onRemoteStreamRemoved,
		ports.EventStreamSubscribed: c.onRemoteStreamSubscribed,
		ports.EventStreamPublished:  c.onStreamPublished,
		ports.EventConnectionLost:   func(ev ports.Event) { c.onConnectionLost(primary, ev) },
	})
	if err != nil {
		c.failStart(run, StageSession, err)
		return
	}

	run.enter(StageJoin)
	err = primary.Join(creds, func(uid domain.UID, err error) {
		if c.start != run {
			return
		}
		if err != nil {
			c.failStart(run, StageJoin, err)
			return
		}
		c.publishStatus()
		c.acquireMedia(run, uid)
	})
	if err != nil {
		c.failStart(run, StageJoin, err)
		return
	}
	c.publishStatus()
}

func (c *SessionCoordinator) acquireMedia(run *startRun, uid domain.UID) {
	run.enter(StageMedia)
	stream, err := c.provider.CreateLocalStream(ports.LocalStreamOptions{
		UID:   uid,
		Audio: true,
		Video: true,
	})
	if err != nil {
		c.failStart(run, StageMedia, errors.NewMediaAcquireFailedError(err))
		return
	}

	h := NewLocalHandle(domain.LocalAV, stream, uid, c.bridge, c.logger)
	c.localAV = h
	c.ownStreams[h.ID()] = struct{}{}
	err = h.Init(func(err error) {
		if c.start != run {
			return
		}
		if err != nil {
			c.failStart(run, StageMedia, err)
			return
		}
		if err := c.roster.Add(h); err != nil {
			c.failStart(run, StageMedia, fmt.Errorf("local stream %s: %w", h.ID(), err))
			return
		}
		c.publishRoster()
		c.publishLocal(run, h)
	})
	if err != nil {
		c.failStart(run, StageMedia, err)
	}
}

func (c *SessionCoordinator) publishLocal(run *startRun, h *StreamHandle) {
	run.enter(StagePublish)
	err := c.primary.Publish(h, func(err error) {
		if c.start != run {
			return
		}
		if err != nil {
			c.failStart(run, StagePublish, err)
			return
		}

		c.start = nil
		c.phase = phaseRunning
		c.publishRoster()
		c.publishStatus()
		c.logger.Infow("Session started",
			"channel", run.channel,
			"uid", uint32(h.OwnerUID()),
			"stream_id", string(h.ID()),
		)
		run.finish(nil)

		for _, capability := range avCapabilities {
			c.reconcileCapability(capability)
		}
		c.reconcileScreen()
	})
	if err != nil {
		c.failStart(run, StagePublish, err)
		return
	}
	c.publishRoster()
}

func (c *SessionCoordinator) failStart(run *startRun, stage string, cause error) {
	if run == nil || c.start != run {
		return
	}
	c.start = nil
	if stage == "" {
		stage = run.stage
	}

	cond := errors.NewSessionStartFailedError(stage, cause)
	c.logger.Errorw("Session start failed",
		"channel", run.channel,
		"stage", stage,
		"reason", cond.Reason,
	)

	c.teardown()
	if errors.HasCode(cause, errors.ErrCodeJoinFailed) {
		c.phase = phaseFailed
	} else {
		c.phase = phaseIdle
	}
	c.publishStatus()
	c.observers.OnCondition(cond)
	run.finish(cond)
}

// Stop leaves both sessions, releases local media and clears the roster.
// A Start in progress fails with SESSION_START_FAILED.
func (c *SessionCoordinator) Stop(ctx context.Context) error {
	return c.loop.Call(ctx, func() error {
		switch c.phase {
		case phaseIdle:
			return nil
		case phaseStarting:
			c.failStart(c.start, "", domain.ErrStopped)
			c.phase = phaseIdle
		case phaseRunning:
			c.teardown()
			c.phase = phaseIdle
		case phaseFailed:
			c.teardown()
		}
		c.publishStatus()
		c.logger.Infow("Coordinator stopped", "channel", c.cfg.ChannelName)
		return nil
	})
}

// Close stops the coordinator and its event loop
func (c *SessionCoordinator) Close() {
	if err := c.Stop(context.Background()); err != nil && !stderrors.Is(err, eventloop.ErrClosed) {
		c.logger.Warnw("Stop on close failed", "error", err)
	}
	c.loop.Close()
}

func (c *SessionCoordinator) teardown() {
	c.teardownScreen()

	for _, h := range c.roster.RemoveWhere(func(*StreamHandle) bool { return true }) {
		h.Release()
	}
	if c.localAV != nil {
		c.localAV.Release()
		c.localAV = nil
	}
	if c.primary != nil {
		c.primary.Leave()
		c.primary = nil
	}

	c.ownStreams = make(map[domain.StreamID]struct{})
	c.resetQueues()
	c.screenBusy = false
	c.screenDesired = false
	c.intent = domain.ToggleState{}

	c.publishRoster()
	c.publishToggles()
}

func (c *SessionCoordinator) isOwnStream(id domain.StreamID) bool {
	_, ok := c.ownStreams[id]
	return ok
}

func (c *SessionCoordinator) onRemoteStreamAdded(ev ports.Event) {
	if ev.Stream == nil {
		c.logger.Warnw("stream-added without stream", "stream_id", string(ev.StreamID))
		return
	}
	id := ev.Stream.ID()
	if c.roster.Has(id) || c.isOwnStream(id) {
		c.logger.Debugw("Ignoring duplicate stream-added", "stream_id", string(id))
		return
	}

	h := NewRemoteHandle(ev.Stream, c.bridge, c.logger)
	if err := c.roster.Add(h); err != nil {
		c.logger.Warnw("Failed to add remote stream", "stream_id", string(id), "error", err)
		return
	}
	c.logger.Infow("Remote stream added", "stream_id", string(id), "uid", uint32(h.OwnerUID()))
	c.publishRoster()

	err := c.primary.Subscribe(h, func(err error) {
		if err != nil {
			c.report(err)
		}
		c.publishRoster()
	})
	if err != nil {
		c.report(errors.NewSubscribeFailedError(err).WithContext("stream_id", string(id)))
	}
}

func (c *SessionCoordinator) onRemoteStreamRemoved(ev ports.Event) {
	h, ok := c.roster.Get(ev.StreamID)
	if !ok {
		c.logger.Infow("Ignoring stream-removed for unknown stream", "stream_id", string(ev.StreamID))
		return
	}
	if h.Kind().IsLocal() {
		c.logger.Debugw("Ignoring stream-removed for local stream", "stream_id", string(ev.StreamID))
		return
	}

	c.roster.Remove(ev.StreamID)
	h.Release()
	c.logger.Infow("Remote stream removed", "stream_id", string(ev.StreamID))
	c.publishRoster()
}

func (c *SessionCoordinator) onRemoteStreamSubscribed(ev ports.Event) {
	h, ok := c.roster.Get(ev.StreamID)
	if !ok || h.Kind() != domain.Remote || h.Snapshot().Subscribed {
		return
	}
	h.markSubscribed(true)
	c.publishRoster()
}

func (c *SessionCoordinator) onStreamPublished(ev ports.Event) {
	c.logger.Debugw("Provider confirmed publish", "stream_id", string(ev.StreamID))
}

func (c *SessionCoordinator) onConnectionLost(client *SessionClient, ev ports.Event) {
	reason := ev.Reason
	if reason == "" {
		reason = "connection lost"
	}
	cond := errors.NewConnectionLostError(stderrors.New(reason)).
		WithContext("session", client.name).
		WithContext("channel", client.Session().ChannelName)
	client.MarkConnectionLost()
	c.logger.Warnw("Connection lost", "session", client.name, "reason", reason)

	switch client {
	case c.primary:
		if c.start != nil {
			c.failStart(c.start, "", cond)
			return
		}
		for _, h := range c.roster.RemoveWhere(func(h *StreamHandle) bool { return h.Kind() == domain.Remote }) {
			h.Release()
		}
		c.observers.OnCondition(cond)
		c.publishRoster()
		c.publishStatus()
	case c.screen:
		c.screenFailed(client, cond)
	}
}

// report forwards a provider failure to observers as a typed condition
func (c *SessionCoordinator) report(err error) {
	cond := errors.GetAppError(err)
	if cond == nil {
		cond = errors.WrapError(err, errors.ErrCodeInternal, "unexpected provider failure", 500)
	}
	c.observers.OnCondition(cond)
}

func (c *SessionCoordinator) publishRoster() {
	snap := c.roster.Snapshot()
	c.mu.Lock()
	c.rosterSnap = snap
	c.mu.Unlock()
	c.observers.OnRosterChanged(snap)
}

func (c *SessionCoordinator) publishToggles() {
	state := c.intent
	c.mu.Lock()
	c.toggleSnap = state
	c.mu.Unlock()
	c.observers.OnToggleStateChanged(state)
}

func (c *SessionCoordinator) publishStatus() {
	status := ports.CoordinatorStatus{Phase: c.phase.String()}
	if c.primary != nil {
		s := c.primary.Session()
		status.Primary = &s
	}
	if c.screen != nil {
		s := c.screen.Session()
		status.Screen = &s
	}
	c.mu.Lock()
	c.statusSnap = status
	c.mu.Unlock()
}

// Roster returns the latest roster snapshot
func (c *SessionCoordinator) Roster() []domain.StreamInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.StreamInfo, len(c.rosterSnap))
	copy(out, c.rosterSnap)
	return out
}

// ToggleState returns the latest toggle intent
func (c *SessionCoordinator) ToggleState() domain.ToggleState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.toggleSnap
}

func (c *SessionCoordinator) Status() ports.CoordinatorStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusSnap
}
