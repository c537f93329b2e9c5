package services

import (
	"fmt"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"

	"go.uber.org/zap"
)

// StreamHandle tracks one local or remote stream. It is confined to the
// coordinator's event loop.
type StreamHandle struct {
	id     domain.StreamID
	owner  domain.UID
	kind   domain.StreamKind
	local  ports.LocalStream
	remote ports.RemoteStream

	videoEnabled bool
	audioEnabled bool
	publishState domain.PublishState
	state        domain.HandleState
	subscribed   bool

	bridge *EventBridge
	logger *zap.SugaredLogger
}

// NewLocalHandle wraps a freshly created local stream. Media is not acquired
// until Init.
func NewLocalHandle(kind domain.StreamKind, stream ports.LocalStream, owner domain.UID, bridge *EventBridge, logger *zap.SugaredLogger) *StreamHandle {
	return &StreamHandle{
		id:     stream.ID(),
		owner:  owner,
		kind:   kind,
		local:  stream,
		state:  domain.HandleCreated,
		bridge: bridge,
		logger: logger.With("stream_id", string(stream.ID()), "kind", kind.String()),
	}
}

// NewRemoteHandle wraps a stream announced by another participant. Remote
// media is already flowing so the handle starts Ready.
func NewRemoteHandle(stream ports.RemoteStream, bridge *EventBridge, logger *zap.SugaredLogger) *StreamHandle {
	return &StreamHandle{
		id:           stream.ID(),
		owner:        stream.OwnerUID(),
		kind:         domain.Remote,
		remote:       stream,
		videoEnabled: true,
		audioEnabled: true,
		publishState: domain.Published,
		state:        domain.HandleReady,
		bridge:       bridge,
		logger:       logger.With("stream_id", string(stream.ID()), "kind", domain.Remote.String()),
	}
}

func (h *StreamHandle) ID() domain.StreamID               { return h.id }
func (h *StreamHandle) Kind() domain.StreamKind           { return h.kind }
func (h *StreamHandle) OwnerUID() domain.UID              { return h.owner }
func (h *StreamHandle) State() domain.HandleState         { return h.state }
func (h *StreamHandle) PublishState() domain.PublishState { return h.publishState }
func (h *StreamHandle) Local() ports.LocalStream          { return h.local }
func (h *StreamHandle) Remote() ports.RemoteStream        { return h.remote }

// Capability returns the confirmed flag for video or audio
func (h *StreamHandle) Capability(c domain.Capability) bool {
	switch c {
	case domain.CapabilityVideo:
		return h.videoEnabled
	case domain.CapabilityAudio:
		return h.audioEnabled
	}
	return false
}

// Init acquires local media. done receives nil or a MEDIA_ACQUIRE_FAILED
// condition.
func (h *StreamHandle) Init(done func(error)) error {
	if h.local == nil {
		return errors.NewInvalidOperationError("init is only valid on local streams")
	}
	if h.state != domain.HandleCreated {
		return errors.NewInvalidOperationError(fmt.Sprintf("init in state %s", h.state))
	}

	h.state = domain.HandleInitializing
	h.local.Init(h.bridge.Callback(func(err error) {
		if h.state != domain.HandleInitializing {
			h.logger.Debugw("Ignoring init completion", "state", h.state.String())
			return
		}
		if err != nil {
			h.state = domain.HandleFailed
			h.logger.Warnw("Local media acquisition failed", "error", err)
			done(errors.NewMediaAcquireFailedError(err))
			return
		}
		h.state = domain.HandleReady
		h.videoEnabled = true
		h.audioEnabled = true
		done(nil)
	}))
	return nil
}

func (h *StreamHandle) EnableVideo(done func(error)) error {
	return h.SetCapability(domain.CapabilityVideo, true, done)
}

func (h *StreamHandle) DisableVideo(done func(error)) error {
	return h.SetCapability(domain.CapabilityVideo, false, done)
}

func (h *StreamHandle) EnableAudio(done func(error)) error {
	return h.SetCapability(domain.CapabilityAudio, true, done)
}

func (h *StreamHandle) DisableAudio(done func(error)) error {
	return h.SetCapability(domain.CapabilityAudio, false, done)
}

// SetCapability flips the flag immediately and asks the provider for the
// change. A provider failure rolls the flag back and done receives a
// CAPABILITY_TOGGLE_FAILED condition.
func (h *StreamHandle) SetCapability(c domain.Capability, enabled bool, done func(error)) error {
	if h.kind == domain.Remote {
		return invalidOperation(domain.ErrRemoteStream, "cannot toggle %s on remote stream %s", c, h.id)
	}
	if h.state == domain.HandleRemoved || h.state == domain.HandleCreated || h.state == domain.HandleInitializing {
		return errors.NewInvalidOperationError(fmt.Sprintf("cannot toggle %s in state %s", c, h.state))
	}

	var flag *bool
	var request func(func(error))
	switch {
	case c == domain.CapabilityVideo && enabled:
		flag, request = &h.videoEnabled, h.local.EnableVideo
	case c == domain.CapabilityVideo:
		flag, request = &h.videoEnabled, h.local.DisableVideo
	case c == domain.CapabilityAudio && enabled:
		flag, request = &h.audioEnabled, h.local.EnableAudio
	case c == domain.CapabilityAudio:
		flag, request = &h.audioEnabled, h.local.DisableAudio
	default:
		return errors.NewInvalidInputError(fmt.Sprintf("unknown capability %q", c))
	}

	previous := *flag
	*flag = enabled
	request(h.bridge.Callback(func(err error) {
		if err != nil {
			if h.state != domain.HandleRemoved {
				*flag = previous
			}
			h.logger.Warnw("Capability toggle failed",
				"capability", string(c),
				"enabled", enabled,
				"error", err,
			)
			done(errors.NewCapabilityToggleFailedError(string(c), err).WithContext("stream_id", string(h.id)))
			return
		}
		done(nil)
	}))
	return nil
}

func (h *StreamHandle) markPublishing() {
	h.publishState = domain.Publishing
	h.state = domain.HandlePublishing
}

func (h *StreamHandle) markPublished() {
	h.publishState = domain.Published
	h.state = domain.HandlePublished
}

// markPublishFailed leaves the handle Unpublished; it can be published again.
func (h *StreamHandle) markPublishFailed() {
	h.publishState = domain.Unpublished
	h.state = domain.HandleFailed
}

func (h *StreamHandle) markUnpublished() {
	h.publishState = domain.Unpublished
	if h.state != domain.HandleRemoved {
		h.state = domain.HandleReady
	}
}

func (h *StreamHandle) markSubscribed(subscribed bool) {
	h.subscribed = subscribed
}

func (h *StreamHandle) markRemoved() {
	h.state = domain.HandleRemoved
	h.subscribed = false
}

// Release closes local media. Remote handles only move to Removed.
func (h *StreamHandle) Release() {
	if h.local != nil && h.state != domain.HandleRemoved {
		h.local.Close()
	}
	h.markRemoved()
}

// Snapshot returns a read-only copy for observers
func (h *StreamHandle) Snapshot() domain.StreamInfo {
	return domain.StreamInfo{
		StreamID:     h.id,
		OwnerUID:     h.owner,
		Kind:         h.kind,
		VideoEnabled: h.videoEnabled,
		AudioEnabled: h.audioEnabled,
		PublishState: h.publishState,
		State:        h.state,
		Subscribed:   h.subscribed,
	}
}

// invalidOperation is an INVALID_OPERATION condition that unwraps to sentinel
func invalidOperation(sentinel error, format string, args ...interface{}) *errors.AppError {
	e := errors.NewInvalidOperationError(fmt.Sprintf(format, args...))
	e.Cause = sentinel
	return e
}
