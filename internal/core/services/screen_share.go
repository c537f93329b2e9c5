package services

import (
	"context"
	"fmt"
	"net/http"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"
	"rillcall/pkg/tracing"
)

// ToggleScreenShare flips the screen share intent. Each enable is a fresh
// join of the screen channel and each disable leaves it. Requests made while
// a previous one is still running coalesce to the latest intent.
func (c *SessionCoordinator) ToggleScreenShare(ctx context.Context) (domain.ToggleState, error) {
	ctx, span := tracing.TraceToggle(ctx, string(domain.CapabilityScreen))
	defer span.End()

	var state domain.ToggleState
	err := c.loop.Call(ctx, func() error {
		if c.phase != phaseStarting && c.phase != phaseRunning {
			return invalidOperation(domain.ErrNotStarted, "toggle screen while %s", c.phase)
		}
		c.screenDesired = !c.screenDesired
		c.intent.ShareScreen = c.screenDesired
		c.logger.Debugw("Screen share requested", "target", c.screenDesired, "busy", c.screenBusy)

		c.publishToggles()
		c.reconcileScreen()
		state = c.intent
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return state, err
}

func (c *SessionCoordinator) reconcileScreen() {
	if c.phase != phaseRunning || c.screenBusy {
		return
	}
	active := c.screen != nil
	if c.screenDesired == active {
		return
	}
	if c.screenDesired {
		c.enableScreen()
	} else {
		c.disableScreen()
	}
}

func (c *SessionCoordinator) enableScreen() {
	c.screenBusy = true
	client := NewSessionClient("screen", c.provider, c.bridge, domain.ModeRTC, domain.CodecVP8, c.logger)
	c.screen = client

	if err := client.Open(); err != nil {
		c.screenFailed(client, errors.WrapError(err, errors.ErrCodeJoinFailed, "screen session", http.StatusBadGateway))
		return
	}
	if err := client.On(map[ports.EventType]func(ports.Event){
		ports.EventConnectionLost: func(ev ports.Event) { c.onConnectionLost(client, ev) },
	}); err != nil {
		c.screenFailed(client, err)
		return
	}

	err := client.Join(c.screenCreds, func(uid domain.UID, err error) {
		if c.screen != client {
			return
		}
		if err != nil {
			c.screenFailed(client, err)
			return
		}
		c.publishStatus()
		c.acquireScreen(client, uid)
	})
	if err != nil {
		c.screenFailed(client, err)
		return
	}
	c.publishStatus()
}

func (c *SessionCoordinator) acquireScreen(client *SessionClient, uid domain.UID) {
	stream, err := c.provider.CreateLocalStream(ports.LocalStreamOptions{
		UID:           uid,
		Video:         true,
		Screen:        true,
		CaptureSource: c.cfg.CaptureSource,
	})
	if err != nil {
		c.screenFailed(client, errors.NewMediaAcquireFailedError(err))
		return
	}

	h := NewLocalHandle(domain.LocalScreen, stream, uid, c.bridge, c.logger)
	c.localScreen = h
	c.ownStreams[h.ID()] = struct{}{}

	err = h.Init(func(err error) {
		if c.screen != client {
			return
		}
		if err != nil {
			c.screenFailed(client, err)
			return
		}
		if err := c.roster.Add(h); err != nil {
			c.screenFailed(client, errors.NewInvalidOperationError(fmt.Sprintf("screen stream %s: %v", h.ID(), err)))
			return
		}
		c.publishRoster()

		perr := client.Publish(h, func(err error) {
			if c.screen != client {
				return
			}
			if err != nil {
				c.screenFailed(client, err)
				return
			}
			c.screenBusy = false
			c.logger.Infow("Screen share published", "stream_id", string(h.ID()), "uid", uint32(uid))
			c.publishRoster()
			c.publishStatus()
			c.reconcileScreen()
		})
		if perr != nil {
			c.screenFailed(client, perr)
			return
		}
		c.publishRoster()
	})
	if err != nil {
		c.screenFailed(client, err)
	}
}

func (c *SessionCoordinator) disableScreen() {
	client := c.screen
	h := c.localScreen
	c.screenBusy = true

	finish := func() {
		c.teardownScreen()
		c.screenBusy = false
		c.logger.Infow("Screen share stopped")
		c.publishRoster()
		c.publishStatus()
		c.reconcileScreen()
	}

	if h == nil || h.PublishState() != domain.Published || !client.Connected() {
		finish()
		return
	}

	err := client.Unpublish(h, func(err error) {
		if c.screen != client {
			return
		}
		if err != nil {
			c.logger.Warnw("Screen unpublish failed, leaving anyway", "error", err)
		}
		finish()
	})
	if err != nil {
		finish()
	}
}

// screenFailed tears the screen session down and drops the intent
func (c *SessionCoordinator) screenFailed(client *SessionClient, err error) {
	if c.screen != client {
		return
	}
	c.report(err)
	c.teardownScreen()
	c.screenBusy = false
	c.screenDesired = false
	c.intent.ShareScreen = false
	c.publishRoster()
	c.publishToggles()
	c.publishStatus()
}

func (c *SessionCoordinator) teardownScreen() {
	if h := c.localScreen; h != nil {
		c.roster.Remove(h.ID())
		h.Release()
		c.localScreen = nil
	}
	if c.screen != nil {
		c.screen.Leave()
		c.screen = nil
	}
}
