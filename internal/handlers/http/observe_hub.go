package http

import (
	"net/http"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	observeBufferSize = 32
	observeWriteWait  = 10 * time.Second
	observePingPeriod = 30 * time.Second
)

var observeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Notification is one frame pushed to observers
type Notification struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

const (
	NotificationRoster    = "roster"
	NotificationToggles   = "toggles"
	NotificationCondition = "condition"
)

type conditionView struct {
	Code    errors.ErrorCode       `json:"code"`
	Message string                 `json:"message"`
	Stage   string                 `json:"stage,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type observer struct {
	id   string
	conn *websocket.Conn
	send chan Notification
	done chan struct{}
	once sync.Once
}

func (o *observer) close() {
	o.once.Do(func() { close(o.done) })
}

// ObserveHub pushes roster, toggle and condition changes to websocket
// clients. It is registered as a coordinator observer; a client too slow to
// keep up is disconnected.
type ObserveHub struct {
	coordinator ports.CallCoordinator
	logger      *zap.SugaredLogger

	mu        sync.RWMutex
	observers map[string]*observer
}

var _ ports.Observer = (*ObserveHub)(nil)

func NewObserveHub(coordinator ports.CallCoordinator, logger *zap.SugaredLogger) *ObserveHub {
	return &ObserveHub{
		coordinator: coordinator,
		logger:      logger,
		observers:   make(map[string]*observer),
	}
}

// Handle upgrades the request and sends the current roster and toggles
// before any change notification.
func (h *ObserveHub) Handle(c *gin.Context) {
	conn, err := observeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("observer upgrade failed", "error", err)
		return
	}

	o := &observer{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan Notification, observeBufferSize),
		done: make(chan struct{}),
	}
	o.send <- newNotification(NotificationRoster, h.coordinator.Roster())
	o.send <- newNotification(NotificationToggles, h.coordinator.ToggleState())

	h.mu.Lock()
	h.observers[o.id] = o
	count := len(h.observers)
	h.mu.Unlock()
	h.logger.Infow("observer connected", "observer_id", o.id, "observers", count)

	go h.writePump(o)
	h.readPump(o)
}

// readPump discards client frames and notices the close
func (h *ObserveHub) readPump(o *observer) {
	defer func() {
		h.remove(o)
		o.conn.Close()
	}()

	o.conn.SetReadLimit(1024)
	o.conn.SetReadDeadline(time.Now().Add(2 * observePingPeriod))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(2 * observePingPeriod))
		return nil
	})
	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ObserveHub) writePump(o *observer) {
	ticker := time.NewTicker(observePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case n := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(observeWriteWait))
			if err := o.conn.WriteJSON(n); err != nil {
				h.logger.Debugw("error writing notification", "observer_id", o.id, "error", err)
				o.conn.Close()
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(observeWriteWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.conn.Close()
				return
			}
		case <-o.done:
			return
		}
	}
}

func (h *ObserveHub) remove(o *observer) {
	h.mu.Lock()
	_, ok := h.observers[o.id]
	delete(h.observers, o.id)
	h.mu.Unlock()
	if ok {
		o.close()
		h.logger.Infow("observer disconnected", "observer_id", o.id)
	}
}

func (h *ObserveHub) broadcast(n Notification) {
	h.mu.RLock()
	var slow []*observer
	for _, o := range h.observers {
		select {
		case o.send <- n:
		default:
			slow = append(slow, o)
		}
	}
	h.mu.RUnlock()

	for _, o := range slow {
		h.logger.Warnw("dropping slow observer", "observer_id", o.id)
		h.remove(o)
		o.conn.Close()
	}
}

// Count returns the number of connected observers
func (h *ObserveHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close disconnects every observer
func (h *ObserveHub) Close() {
	h.mu.RLock()
	observers := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.RUnlock()

	for _, o := range observers {
		o.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		h.remove(o)
		o.conn.Close()
	}
}

func (h *ObserveHub) OnRosterChanged(roster []domain.StreamInfo) {
	h.broadcast(newNotification(NotificationRoster, roster))
}

func (h *ObserveHub) OnToggleStateChanged(state domain.ToggleState) {
	h.broadcast(newNotification(NotificationToggles, state))
}

func (h *ObserveHub) OnCondition(cond *errors.AppError) {
	h.broadcast(newNotification(NotificationCondition, conditionView{
		Code:    cond.Code,
		Message: cond.Message,
		Stage:   cond.Stage,
		Reason:  cond.Reason,
		Context: cond.Context,
	}))
}

func newNotification(typ string, data interface{}) Notification {
	return Notification{Type: typ, Timestamp: time.Now(), Data: data}
}
