package services

import (
	"fmt"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionClient manages one join/publish/subscribe lifecycle against the
// media provider. It is confined to the coordinator's event loop.
//
// Every Leave bumps the session epoch. Completions captured under an older
// epoch are dropped without calling the caller back.
type SessionClient struct {
	name     string
	provider ports.MediaProvider
	handle   ports.SessionHandle
	bridge   *EventBridge
	session  domain.Session
	left     bool
	logger   *zap.SugaredLogger
}

func NewSessionClient(
	name string,
	provider ports.MediaProvider,
	bridge *EventBridge,
	mode domain.SessionMode,
	codec domain.Codec,
	logger *zap.SugaredLogger,
) *SessionClient {
	id := domain.SessionID(uuid.New().String())
	return &SessionClient{
		name:     name,
		provider: provider,
		bridge:   bridge,
		session: domain.Session{
			ID:    id,
			State: domain.Disconnected,
			Mode:  mode,
			Codec: codec,
		},
		logger: logger.With("session", name, "session_id", string(id)),
	}
}

// Open creates the provider session. Handlers may be bound right after.
func (c *SessionClient) Open() error {
	if c.handle != nil {
		return nil
	}
	handle, err := c.provider.CreateSession(c.session.Mode, c.session.Codec)
	if err != nil {
		return fmt.Errorf("failed to create %s session: %w", c.name, err)
	}
	c.handle = handle
	return nil
}

// Session returns a copy of the session state
func (c *SessionClient) Session() domain.Session {
	return c.session
}

func (c *SessionClient) Connected() bool {
	return c.session.State == domain.Connected
}

// Live reports whether events for the current epoch should still be handled
func (c *SessionClient) Live() bool {
	return !c.left
}

// On binds event handlers for this session through the bridge
func (c *SessionClient) On(handlers map[ports.EventType]func(ports.Event)) error {
	if c.handle == nil {
		return errors.NewInvalidOperationError("session not opened")
	}
	c.bridge.Bind(c.handle, c.Live, handlers)
	return nil
}

// Join connects to the channel. The uid passed to done is the one the
// provider assigned, which may differ from creds.UID.
func (c *SessionClient) Join(creds domain.Credentials, done func(domain.UID, error)) error {
	if c.handle == nil {
		return errors.NewInvalidOperationError("join before session opened")
	}
	if c.left {
		return invalidOperation(domain.ErrSessionLeft, "join on a session that has left")
	}
	if c.session.State == domain.Connecting || c.session.State == domain.Connected {
		return errors.NewInvalidOperationError(fmt.Sprintf("join while %s", c.session.State))
	}

	c.session.State = domain.Connecting
	c.session.ChannelName = creds.ChannelName
	epoch := c.session.Epoch

	c.logger.Infow("Joining channel",
		"channel", creds.ChannelName,
		"preferred_uid", uint32(creds.UID),
	)

	onSuccess, onFailure := c.bridge.JoinCallbacks(
		func(uid domain.UID) {
			if c.stale(epoch, "join") {
				return
			}
			c.session.State = domain.Connected
			c.session.LocalUID = uid
			c.logger.Infow("Joined channel", "channel", c.session.ChannelName, "uid", uint32(uid))
			done(uid, nil)
		},
		func(err error) {
			if c.stale(epoch, "join") {
				return
			}
			c.session.State = domain.Failed
			c.logger.Warnw("Join failed", "channel", c.session.ChannelName, "error", err)
			done(0, errors.NewJoinFailedError(err))
		},
	)
	c.handle.Join(creds.Token, creds.ChannelName, creds.UID, onSuccess, onFailure)
	return nil
}

// Publish sends a local stream into the session. It fails fast with
// INVALID_OPERATION unless the session is Connected; nothing is mutated in
// that case.
func (c *SessionClient) Publish(h *StreamHandle, done func(error)) error {
	if !c.Connected() {
		return invalidOperation(domain.ErrSessionNotConnected, "publish while %s", c.session.State)
	}
	if h.Local() == nil {
		return errors.NewInvalidOperationError("only local streams can be published")
	}
	if h.PublishState() == domain.Publishing || h.PublishState() == domain.Published {
		return errors.NewInvalidOperationError(fmt.Sprintf("stream %s already %s", h.ID(), h.PublishState()))
	}

	h.markPublishing()
	epoch := c.session.Epoch
	c.handle.Publish(h.Local(), c.bridge.Callback(func(err error) {
		if c.stale(epoch, "publish") {
			return
		}
		if err != nil {
			h.markPublishFailed()
			c.logger.Warnw("Publish failed", "stream_id", string(h.ID()), "error", err)
			done(errors.NewPublishFailedError(err).WithContext("stream_id", string(h.ID())))
			return
		}
		h.markPublished()
		c.logger.Infow("Stream published", "stream_id", string(h.ID()))
		done(nil)
	}))
	return nil
}

// Unpublish withdraws a published local stream. The handle is marked
// Unpublished whatever the provider answers.
func (c *SessionClient) Unpublish(h *StreamHandle, done func(error)) error {
	if !c.Connected() {
		return invalidOperation(domain.ErrSessionNotConnected, "unpublish while %s", c.session.State)
	}
	if h.Local() == nil {
		return errors.NewInvalidOperationError("only local streams can be unpublished")
	}

	epoch := c.session.Epoch
	c.handle.Unpublish(h.Local(), c.bridge.Callback(func(err error) {
		if c.stale(epoch, "unpublish") {
			return
		}
		h.markUnpublished()
		if err != nil {
			c.logger.Warnw("Unpublish failed", "stream_id", string(h.ID()), "error", err)
			done(errors.NewPublishFailedError(err).WithContext("stream_id", string(h.ID())))
			return
		}
		done(nil)
	}))
	return nil
}

// Subscribe asks for a remote stream's media. A failure is reported through
// done and leaves the handle where it is.
func (c *SessionClient) Subscribe(h *StreamHandle, done func(error)) error {
	if !c.Connected() {
		return invalidOperation(domain.ErrSessionNotConnected, "subscribe while %s", c.session.State)
	}
	if h.Remote() == nil {
		return errors.NewInvalidOperationError("only remote streams can be subscribed")
	}

	epoch := c.session.Epoch
	c.handle.Subscribe(h.Remote(), c.bridge.Callback(func(err error) {
		if c.stale(epoch, "subscribe") {
			return
		}
		if h.State() == domain.HandleRemoved {
			return
		}
		if err != nil {
			c.logger.Warnw("Subscribe failed", "stream_id", string(h.ID()), "error", err)
			done(errors.NewSubscribeFailedError(err).WithContext("stream_id", string(h.ID())))
			return
		}
		h.markSubscribed(true)
		done(nil)
	}))
	return nil
}

// MarkConnectionLost moves a live session to Failed
func (c *SessionClient) MarkConnectionLost() {
	if c.left {
		return
	}
	c.session.State = domain.Failed
}

// Leave tears the session down. It is idempotent and never fails; network
// teardown errors are only logged.
func (c *SessionClient) Leave() {
	if c.left {
		return
	}
	c.left = true
	c.session.Epoch++
	previous := c.session.State
	c.session.State = domain.Disconnected

	if c.handle == nil || previous == domain.Disconnected {
		return
	}

	channel := c.session.ChannelName
	logger := c.logger
	logger.Infow("Leaving channel", "channel", channel, "state", previous.String())
	c.handle.Leave(func(err error) {
		if err != nil {
			logger.Warnw("Leave failed, session discarded anyway",
				"channel", channel,
				"error", err,
			)
		}
	})
}

func (c *SessionClient) stale(epoch uint64, op string) bool {
	if epoch == c.session.Epoch {
		return false
	}
	c.logger.Debugw("Dropping stale completion", "op", op, "epoch", epoch, "current_epoch", c.session.Epoch)
	return true
}
