package services

import (
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/eventloop"

	"go.uber.org/zap"
)

// EventBridge moves provider callbacks and events onto the coordinator's
// event loop. Every function it hands to a provider is safe to call from any
// goroutine; the wrapped function always runs on the loop.
type EventBridge struct {
	loop   *eventloop.Loop
	logger *zap.SugaredLogger
}

func NewEventBridge(loop *eventloop.Loop, logger *zap.SugaredLogger) *EventBridge {
	return &EventBridge{
		loop:   loop,
		logger: logger,
	}
}

// Post schedules fn on the loop
func (b *EventBridge) Post(fn func()) {
	if !b.loop.Post(fn) {
		b.logger.Debugw("Dropping task, event loop closed")
	}
}

// Callback wraps a completion. Only the first invocation is delivered.
func (b *EventBridge) Callback(done func(error)) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			b.Post(func() { done(err) })
		})
	}
}

// JoinCallbacks wraps a success/failure pair. Whichever fires first wins and
// the other one is ignored.
func (b *EventBridge) JoinCallbacks(onSuccess func(domain.UID), onFailure func(error)) (func(domain.UID), func(error)) {
	var once sync.Once
	success := func(uid domain.UID) {
		once.Do(func() {
			b.Post(func() { onSuccess(uid) })
		})
	}
	failure := func(err error) {
		once.Do(func() {
			b.Post(func() { onFailure(err) })
		})
	}
	return success, failure
}

// Bind registers handlers on a provider session. live is evaluated on the
// loop before each delivery; events arriving once it reports false are
// dropped.
func (b *EventBridge) Bind(session ports.SessionHandle, live func() bool, handlers map[ports.EventType]func(ports.Event)) {
	for eventType, handler := range handlers {
		eventType, handler := eventType, handler
		session.On(eventType, func(ev ports.Event) {
			if ev.Type == "" {
				ev.Type = eventType
			}
			b.Post(func() {
				if !live() {
					b.logger.Debugw("Dropping event for closed session",
						"event", string(ev.Type),
						"stream_id", string(ev.StreamID),
					)
					return
				}
				handler(ev)
			})
		})
	}
}
