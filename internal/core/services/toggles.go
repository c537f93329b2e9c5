package services

import (
	"context"

	"rillcall/internal/core/domain"
	"rillcall/pkg/tracing"
)

// toggleQueue holds requested target values for one capability. Entries are
// applied one at a time, in order, once the local AV stream is published.
type toggleQueue struct {
	pending  []bool
	inFlight bool
}

func (c *SessionCoordinator) resetQueues() {
	c.queues = map[domain.Capability]*toggleQueue{
		domain.CapabilityVideo: {},
		domain.CapabilityAudio: {},
	}
}

// ToggleVideo flips the video intent and forwards it to the local stream
func (c *SessionCoordinator) ToggleVideo(ctx context.Context) (domain.ToggleState, error) {
	return c.toggleCapability(ctx, domain.CapabilityVideo)
}

// ToggleAudio flips the audio intent and forwards it to the local stream
func (c *SessionCoordinator) ToggleAudio(ctx context.Context) (domain.ToggleState, error) {
	return c.toggleCapability(ctx, domain.CapabilityAudio)
}

func (c *SessionCoordinator) toggleCapability(ctx context.Context, capability domain.Capability) (domain.ToggleState, error) {
	ctx, span := tracing.TraceToggle(ctx, string(capability))
	defer span.End()

	var state domain.ToggleState
	err := c.loop.Call(ctx, func() error {
		if c.phase != phaseStarting && c.phase != phaseRunning {
			return invalidOperation(domain.ErrNotStarted, "toggle %s while %s", capability, c.phase)
		}

		target := !c.intent.Get(capability)
		c.intent = c.intent.With(capability, target)
		q := c.queues[capability]
		q.pending = append(q.pending, target)
		c.logger.Debugw("Toggle requested",
			"capability", string(capability),
			"target", target,
			"queued", len(q.pending),
		)

		c.publishToggles()
		c.drainToggles(capability)
		state = c.intent
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return state, err
}

// reconcileCapability queues the current intent when nothing is pending and
// the confirmed flag differs, e.g. when initial toggles disable video.
func (c *SessionCoordinator) reconcileCapability(capability domain.Capability) {
	h := c.localAV
	q := c.queues[capability]
	if h == nil || q.inFlight || len(q.pending) > 0 {
		c.drainToggles(capability)
		return
	}
	if want := c.intent.Get(capability); h.Capability(capability) != want {
		q.pending = append(q.pending, want)
	}
	c.drainToggles(capability)
}

func (c *SessionCoordinator) drainToggles(capability domain.Capability) {
	q := c.queues[capability]
	h := c.localAV

	for !q.inFlight && len(q.pending) > 0 {
		if h == nil || h.PublishState() != domain.Published {
			return
		}

		target := q.pending[0]
		q.pending = q.pending[1:]
		if h.Capability(capability) == target {
			continue
		}

		q.inFlight = true
		err := h.SetCapability(capability, target, func(err error) {
			if c.localAV != h {
				return
			}
			q.inFlight = false
			if err != nil {
				c.toggleFailed(capability, h, err)
			}
			c.publishRoster()
			c.drainToggles(capability)
		})
		if err != nil {
			q.inFlight = false
			c.toggleFailed(capability, h, err)
			continue
		}
		c.publishRoster()
	}
}

// toggleFailed reports the failure. With nothing left in the queue the
// intent falls back to the confirmed value.
func (c *SessionCoordinator) toggleFailed(capability domain.Capability, h *StreamHandle, err error) {
	c.report(err)
	if len(c.queues[capability].pending) == 0 {
		c.intent = c.intent.With(capability, h.Capability(capability))
		c.publishToggles()
	}
}
