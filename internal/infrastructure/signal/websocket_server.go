package signal

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/config"
	"rillcall/pkg/errors"
	"rillcall/pkg/tracing"
	"rillcall/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const sendBufferSize = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Options tune connection keepalive and limits
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	RequireAuth       bool
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    64 * 1024,
	}
}

// OptionsFromConfig reads the signal and websocket rate limiting sections
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg.Signal.PingInterval > 0 {
		opts.PingInterval = cfg.Signal.PingInterval
	}
	if cfg.Signal.PongTimeout > 0 {
		opts.PongTimeout = cfg.Signal.PongTimeout
	}
	opts.RequireAuth = cfg.Signal.RequireAuth
	if cfg.RateLimiting.Enabled {
		ws := cfg.RateLimiting.WebSocket
		if ws.MessagesPerSecond > 0 {
			opts.MessagesPerSecond = ws.MessagesPerSecond
		}
		if ws.Burst > 0 {
			opts.Burst = ws.Burst
		}
		if ws.MaxMessageSizeBytes > 0 {
			opts.MaxMessageSize = ws.MaxMessageSizeBytes
		}
	}
	return opts
}

type memberKey struct {
	channel string
	uid     domain.UID
}

// WebSocketServer routes signaling between the members of a channel
type WebSocketServer struct {
	repo    ports.ChannelRepository
	tokens  ports.TokenService
	opts    Options
	metrics *Metrics

	clients map[string]*client
	members map[memberKey]*client
	mu      sync.RWMutex

	logger *zap.SugaredLogger
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan Message
	done    chan struct{}
	limiter *rate.Limiter
	once    sync.Once

	// guarded by the server mutex
	channel string
	uid     domain.UID
	joined  bool
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewWebSocketServer creates a server. tokens may be nil when join tokens are
// not checked.
func NewWebSocketServer(repo ports.ChannelRepository, tokens ports.TokenService, metrics *Metrics, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		repo:    repo,
		tokens:  tokens,
		opts:    opts,
		metrics: metrics,
		clients: make(map[string]*client),
		members: make(map[memberKey]*client),
		logger:  logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan Message, sendBufferSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.metrics.connections.Inc()
	s.logger.Infow("signaling connection opened", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)

	s.leaveChannel(context.Background(), c)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.close()
	conn.Close()
	s.metrics.connections.Dec()
	s.logger.Infow("signaling connection closed", "conn_id", c.id)
}

func (s *WebSocketServer) readPump(c *client) {
	if s.opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading signaling message", "conn_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if !c.limiter.Allow() {
			s.metrics.rateLimited.Inc()
			s.reply(c, msg, errors.NewRateLimitError())
			continue
		}

		s.metrics.messagesTotal.WithLabelValues(msg.Type).Inc()
		ctx, span := tracing.TraceSignalMessage(context.Background(), msg.Type, c.id)
		err := s.handleMessage(ctx, c, msg)
		if err != nil {
			s.logger.Infow("error handling signaling message",
				"conn_id", c.id,
				"type", msg.Type,
				"error", err,
			)
			s.reply(c, msg, err)
		}
		tracing.Finish(span, err)
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Infow("error writing signaling message", "conn_id", c.id, "error", err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "conn_id", c.id, "error", err)
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg Message) error {
	if msg.Type == "" {
		return errors.NewInvalidInputError("message type is required")
	}

	switch msg.Type {
	case TypeJoin:
		return s.handleJoin(ctx, c, msg)
	case TypeLeave:
		s.leaveChannel(ctx, c)
		s.ack(c, msg)
		return nil
	case TypePublish:
		return s.handlePublish(ctx, c, msg)
	case TypeUnpublish:
		return s.handleUnpublish(ctx, c, msg)
	case TypeSubscribe, TypeUnsubscribe:
		return s.handleSubscribe(ctx, c, msg)
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return s.handleRelay(ctx, c, msg)
	default:
		return errors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *client, msg Message) error {
	if err := validation.ValidateChannelName(msg.Channel); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}

	s.mu.RLock()
	joined := c.joined
	s.mu.RUnlock()
	if joined {
		return errors.NewConflictError("already joined")
	}

	preferred := msg.UID
	if s.tokens != nil && (s.opts.RequireAuth || msg.Token != "") {
		if msg.Token == "" {
			return errors.NewUnauthorizedError("join token required")
		}
		claims, err := s.tokens.ValidateToken(msg.Token)
		if err != nil {
			return errors.NewUnauthorizedError(err.Error())
		}
		if claims.ChannelName != msg.Channel {
			return errors.NewUnauthorizedError(fmt.Sprintf("token is for channel %q", claims.ChannelName))
		}
		if preferred == 0 {
			preferred = claims.UID
		}
	}

	member, err := s.repo.Join(ctx, msg.Channel, preferred, c.id)
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", msg.Channel, err)
	}

	s.mu.Lock()
	c.channel = member.Channel
	c.uid = member.UID
	c.joined = true
	s.members[memberKey{member.Channel, member.UID}] = c
	s.mu.Unlock()
	s.metrics.members.Inc()

	s.logger.Infow("member joined",
		"conn_id", c.id,
		"channel", member.Channel,
		"uid", uint32(member.UID),
		"preferred_uid", uint32(preferred),
	)

	s.send(c, Message{
		Type:      TypeJoined,
		RequestID: msg.RequestID,
		Channel:   member.Channel,
		UID:       member.UID,
	})

	streams, err := s.repo.Streams(ctx, member.Channel)
	if err != nil {
		s.logger.Warnw("failed to list streams for new member", "channel", member.Channel, "error", err)
		return nil
	}
	for _, stream := range streams {
		if stream.OwnerUID == member.UID {
			continue
		}
		s.send(c, Message{
			Type:     TypeStreamAdded,
			Channel:  member.Channel,
			UID:      stream.OwnerUID,
			StreamID: stream.StreamID,
			Stream:   streamInfo(stream),
		})
	}
	return nil
}

// leaveChannel removes the member and announces its streams as removed
func (s *WebSocketServer) leaveChannel(ctx context.Context, c *client) {
	s.mu.Lock()
	if !c.joined {
		s.mu.Unlock()
		return
	}
	channel, uid := c.channel, c.uid
	c.joined = false
	if s.members[memberKey{channel, uid}] == c {
		delete(s.members, memberKey{channel, uid})
	}
	s.mu.Unlock()
	s.metrics.members.Dec()

	removed, err := s.repo.Leave(ctx, channel, uid)
	if err != nil {
		s.logger.Warnw("failed to remove member", "channel", channel, "uid", uint32(uid), "error", err)
		return
	}
	for _, stream := range removed {
		s.metrics.streams.Dec()
		s.broadcast(channel, uid, Message{
			Type:     TypeStreamRemoved,
			Channel:  channel,
			UID:      uid,
			StreamID: stream.StreamID,
		})
	}
	s.logger.Infow("member left", "conn_id", c.id, "channel", channel, "uid", uint32(uid))
}

func (s *WebSocketServer) handlePublish(ctx context.Context, c *client, msg Message) error {
	channel, uid, err := s.membership(c)
	if err != nil {
		return err
	}
	if err := validation.ValidateStreamID(string(msg.StreamID)); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}

	stream := domain.PublishedStream{
		Channel:     channel,
		StreamID:    msg.StreamID,
		OwnerUID:    uid,
		Video:       true,
		Audio:       true,
		PublishedAt: time.Now(),
	}
	if msg.Stream != nil {
		stream.Video = msg.Stream.Video
		stream.Audio = msg.Stream.Audio
		stream.Screen = msg.Stream.Screen
	}
	if err := s.repo.AddStream(ctx, stream); err != nil {
		return err
	}
	s.metrics.streams.Inc()

	s.logger.Infow("stream published", "channel", channel, "uid", uint32(uid), "stream_id", string(stream.StreamID))
	s.ack(c, msg)
	s.broadcast(channel, uid, Message{
		Type:     TypeStreamAdded,
		Channel:  channel,
		UID:      uid,
		StreamID: stream.StreamID,
		Stream:   streamInfo(stream),
	})
	return nil
}

func (s *WebSocketServer) handleUnpublish(ctx context.Context, c *client, msg Message) error {
	channel, uid, err := s.membership(c)
	if err != nil {
		return err
	}
	stream, err := s.repo.GetStream(ctx, channel, msg.StreamID)
	if err != nil {
		return err
	}
	if stream.OwnerUID != uid {
		return domain.ErrNotStreamOwner
	}
	if _, err := s.repo.RemoveStream(ctx, channel, msg.StreamID); err != nil {
		return err
	}
	s.metrics.streams.Dec()

	s.logger.Infow("stream unpublished", "channel", channel, "uid", uint32(uid), "stream_id", string(msg.StreamID))
	s.ack(c, msg)
	s.broadcast(channel, uid, Message{
		Type:     TypeStreamRemoved,
		Channel:  channel,
		UID:      uid,
		StreamID: msg.StreamID,
	})
	return nil
}

// handleSubscribe forwards the request to the stream owner, who answers by
// sending an offer to the subscriber.
func (s *WebSocketServer) handleSubscribe(ctx context.Context, c *client, msg Message) error {
	channel, uid, err := s.membership(c)
	if err != nil {
		return err
	}
	stream, err := s.repo.GetStream(ctx, channel, msg.StreamID)
	if err != nil {
		return err
	}
	if stream.OwnerUID == uid {
		return errors.NewInvalidOperationError("cannot subscribe to own stream")
	}
	owner := s.member(channel, stream.OwnerUID)
	if owner == nil {
		return errors.NewServiceUnavailableError(fmt.Sprintf("publisher %s not connected", stream.OwnerUID))
	}

	forward := TypeSubscribeRequest
	if msg.Type == TypeUnsubscribe {
		forward = TypeUnsubscribeReq
	}
	s.send(owner, Message{
		Type:     forward,
		Channel:  channel,
		From:     uid,
		StreamID: stream.StreamID,
		Stream:   streamInfo(stream),
	})
	s.ack(c, msg)
	return nil
}

func (s *WebSocketServer) handleRelay(ctx context.Context, c *client, msg Message) error {
	channel, uid, err := s.membership(c)
	if err != nil {
		return err
	}

	switch msg.Type {
	case TypeOffer, TypeAnswer:
		var desc SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			return errors.NewInvalidInputError(fmt.Sprintf("invalid %s payload: %v", msg.Type, err))
		}
		if err := validateSDP(desc.SDP); err != nil {
			return errors.NewInvalidInputError(fmt.Sprintf("invalid SDP in %s: %v", msg.Type, err))
		}
	case TypeICECandidate:
		var candidate ICECandidate
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
			return errors.NewInvalidInputError(fmt.Sprintf("invalid ICE candidate payload: %v", err))
		}
	}

	target := s.member(channel, msg.To)
	if target == nil {
		return errors.NewNotFoundError(fmt.Sprintf("member %s", msg.To))
	}

	s.logger.Debugw("relaying signaling message",
		"type", msg.Type,
		"channel", channel,
		"from", uint32(uid),
		"to", uint32(msg.To),
		"stream_id", string(msg.StreamID),
	)
	s.send(target, Message{
		Type:     msg.Type,
		Channel:  channel,
		From:     uid,
		To:       msg.To,
		StreamID: msg.StreamID,
		Payload:  msg.Payload,
	})
	return nil
}

func (s *WebSocketServer) membership(c *client) (string, domain.UID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !c.joined {
		return "", 0, errors.NewInvalidOperationError("join a channel first")
	}
	return c.channel, c.uid, nil
}

func (s *WebSocketServer) member(channel string, uid domain.UID) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[memberKey{channel, uid}]
}

// broadcast sends msg to every member of channel except the given uid
func (s *WebSocketServer) broadcast(channel string, except domain.UID, msg Message) {
	s.mu.RLock()
	var targets []*client
	for key, c := range s.members {
		if key.channel == channel && key.uid != except {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.send(c, msg)
	}
}

func (s *WebSocketServer) send(c *client, msg Message) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		s.logger.Warnw("dropping signaling message for slow connection", "conn_id", c.id, "type", msg.Type)
	}
}

func (s *WebSocketServer) ack(c *client, msg Message) {
	if msg.RequestID == "" {
		return
	}
	s.send(c, Message{Type: TypeAck, RequestID: msg.RequestID, StreamID: msg.StreamID})
}

func (s *WebSocketServer) reply(c *client, msg Message, err error) {
	code := errorCode(err)
	s.metrics.errorsTotal.WithLabelValues(string(code)).Inc()
	s.send(c, Message{
		Type:      TypeError,
		RequestID: msg.RequestID,
		StreamID:  msg.StreamID,
		Error:     err.Error(),
		Code:      string(code),
	})
}

func errorCode(err error) errors.ErrorCode {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr.Code
	}
	switch {
	case stderrors.Is(err, domain.ErrStreamNotFound), stderrors.Is(err, domain.ErrMemberNotFound):
		return errors.ErrCodeNotFound
	case stderrors.Is(err, domain.ErrStreamExists):
		return errors.ErrCodeConflict
	case stderrors.Is(err, domain.ErrNotStreamOwner):
		return errors.ErrCodeUnauthorized
	default:
		return errors.ErrCodeInternal
	}
}

// validateSDP checks the session-level fields every description carries
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("missing required field '%s'", field)
		}
	}
	return nil
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.clients)
	memberCount := len(s.members)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
		"members":     memberCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ConnectedMembers lists the uids connected to this server for a channel
func (s *WebSocketServer) ConnectedMembers(channel string) []domain.UID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var uids []domain.UID
	for key := range s.members {
		if key.channel == channel {
			uids = append(uids, key.uid)
		}
	}
	return uids
}

// Shutdown closes every connection
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
}
