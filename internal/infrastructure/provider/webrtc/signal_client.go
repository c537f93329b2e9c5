package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/infrastructure/signal"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrSignalClosed = errors.New("signaling connection closed")

// SignalError is an error answer from the signaling server
type SignalError struct {
	Code    string
	Message string
}

func (e *SignalError) Error() string { return e.Message }

type pendingCall struct {
	reply func(signal.Message, error)
	timer *time.Timer
}

// signalClient correlates requests with their ack, joined or error answers
// through the request id. Everything else goes to the handler passed to run,
// in arrival order.
type signalClient struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  *zap.SugaredLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

func dialSignal(ctx context.Context, dialer *websocket.Dialer, url string, timeout time.Duration, logger *zap.SugaredLogger) (*signalClient, error) {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return &signalClient{
		conn:    conn,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*pendingCall),
	}, nil
}

// call sends a request and invokes reply exactly once, with the answer, a
// timeout or ErrSignalClosed.
func (c *signalClient) call(msg signal.Message, reply func(signal.Message, error)) {
	msg.RequestID = uuid.New().String()
	id := msg.RequestID

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go reply(signal.Message{}, ErrSignalClosed)
		return
	}
	p := &pendingCall{reply: reply}
	c.pending[id] = p
	p.timer = time.AfterFunc(c.timeout, func() {
		if p := c.take(id); p != nil {
			p.reply(signal.Message{}, fmt.Errorf("%s request timed out", msg.Type))
		}
	})
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		if p := c.take(id); p != nil {
			p.reply(signal.Message{}, err)
		}
	}
}

func (c *signalClient) take(id string) *pendingCall {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	p.timer.Stop()
	return p
}

// notify sends a message that expects no answer
func (c *signalClient) notify(msg signal.Message) error {
	return c.write(msg)
}

func (c *signalClient) write(msg signal.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// run reads until the connection fails. Pending calls are failed on return.
func (c *signalClient) run(handle func(signal.Message)) error {
	defer c.failPending()
	for {
		var msg signal.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.RequestID != "" && isReply(msg.Type) {
			if p := c.take(msg.RequestID); p != nil {
				if msg.Type == signal.TypeError {
					p.reply(msg, &SignalError{Code: msg.Code, Message: msg.Error})
				} else {
					p.reply(msg, nil)
				}
				continue
			}
		}
		handle(msg)
	}
}

func isReply(msgType string) bool {
	return msgType == signal.TypeAck || msgType == signal.TypeJoined || msgType == signal.TypeError
}

func (c *signalClient) failPending() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.reply(signal.Message{}, ErrSignalClosed)
	}
}

func (c *signalClient) close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
