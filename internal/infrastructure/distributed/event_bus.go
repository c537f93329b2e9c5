package distributed

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/pkg/circuitbreaker"
	"rillcall/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// eventChannelPrefix is suffixed with the call's channel name, so each call
// gets its own Redis pub/sub channel.
const eventChannelPrefix = "rillcall:events:"

const eventBufferSize = 256

type EventType string

const (
	EventRosterChanged  EventType = "roster.changed"
	EventTogglesChanged EventType = "toggles.changed"
	EventCondition      EventType = "condition"
)

// Event is the JSON envelope published for every coordinator notification
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Channel    string          `json:"channel,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type ConditionPayload struct {
	Code    errors.ErrorCode       `json:"code"`
	Message string                 `json:"message"`
	Stage   string                 `json:"stage,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventBus publishes coordinator notifications to Redis so other processes
// can follow the call. It implements ports.Observer; publishing happens on
// a background worker and events are dropped when it falls behind.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	callName   string
	logger     *zap.SugaredLogger

	queue   chan *Event
	done    chan struct{}
	breaker *circuitbreaker.Breaker
}

// NewEventBus creates a new event bus. While Redis keeps failing events are
// dropped without trying to publish them. callName tags every event with the
// channel the participant is in.
func NewEventBus(client *redis.Client, instanceID, callName string, logger *zap.SugaredLogger) *EventBus {
	eb := &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    eventChannelPrefix + callName,
		callName:   callName,
		logger:     logger,
		queue:      make(chan *Event, eventBufferSize),
		done:       make(chan struct{}),
		breaker:    circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 3, OpenTimeout: 10 * time.Second}),
	}
	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("event bus publisher state changed", "from", from.String(), "to", to.String())
	})
	go eb.run()
	return eb
}

func (eb *EventBus) run() {
	defer close(eb.done)
	for event := range eb.queue {
		err := eb.breaker.Do(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return eb.Publish(ctx, event)
		})
		switch {
		case stderrors.Is(err, circuitbreaker.ErrOpen):
			eb.logger.Debugw("event bus unavailable, dropping event", "type", event.Type)
		case err != nil:
			eb.logger.Warnw("failed to publish event", "type", event.Type, "error", err)
		}
	}
}

// Publish sends one event on the call's Redis channel
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	eb.logger.Debugw("published event", "type", event.Type, "event_id", event.ID, "redis_channel", eb.channel)
	return nil
}

func (eb *EventBus) newEvent(eventType EventType, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		InstanceID: eb.instanceID,
		Channel:    eb.callName,
		Timestamp:  time.Now(),
		Payload:    data,
	}, nil
}

func (eb *EventBus) enqueue(eventType EventType, payload interface{}) {
	event, err := eb.newEvent(eventType, payload)
	if err != nil {
		eb.logger.Warnw("failed to build event", "type", eventType, "error", err)
		return
	}
	select {
	case eb.queue <- event:
	default:
		eb.logger.Warnw("event queue full, dropping event", "type", eventType)
	}
}

func (eb *EventBus) OnRosterChanged(roster []domain.StreamInfo) {
	eb.enqueue(EventRosterChanged, roster)
}

func (eb *EventBus) OnToggleStateChanged(state domain.ToggleState) {
	eb.enqueue(EventTogglesChanged, state)
}

func (eb *EventBus) OnCondition(cond *errors.AppError) {
	eb.enqueue(EventCondition, ConditionPayload{
		Code:    cond.Code,
		Message: cond.Message,
		Stage:   cond.Stage,
		Reason:  cond.Reason,
		Context: cond.Context,
	})
}

// Subscribe delivers events published by other instances in the same call
// until ctx is done. It fails fast when Redis does not confirm the
// subscription.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	sub := eb.client.Subscribe(ctx, eb.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", eb.channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) dispatch(payload string, handler func(*Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("dropping malformed event", "error", err)
		return
	}
	if event.InstanceID == eb.instanceID {
		return
	}
	if err := handler(&event); err != nil {
		eb.logger.Warnw("event handler failed", "type", event.Type, "event_id", event.ID, "error", err)
	}
}

// Close flushes queued events and stops the worker
func (eb *EventBus) Close() error {
	close(eb.queue)
	<-eb.done
	return nil
}
