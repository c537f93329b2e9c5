package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/infrastructure/signal"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrSessionClosed = errors.New("session closed")

type peerKey struct {
	stream domain.StreamID
	uid    domain.UID
}

// subscription is the receiving side of one remote stream
type subscription struct {
	owner domain.UID
	done  func(error)
	stop  chan struct{}
	timer *time.Timer
	once  sync.Once
	halt  sync.Once

	mu sync.Mutex
	pc *webrtc.PeerConnection
}

// finish resolves the subscribe callback. It reports false when the
// subscription was already resolved.
func (sub *subscription) finish(err error) bool {
	first := false
	sub.once.Do(func() {
		first = true
		if sub.timer != nil {
			sub.timer.Stop()
		}
		sub.done(err)
	})
	return first
}

func (sub *subscription) setPeer(pc *webrtc.PeerConnection) *webrtc.PeerConnection {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	old := sub.pc
	sub.pc = pc
	return old
}

func (sub *subscription) peer() *webrtc.PeerConnection {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.pc
}

// Session is one signaling connection plus the peer connections of the
// streams it publishes and subscribes.
type Session struct {
	provider *Provider
	mode     domain.SessionMode
	codec    domain.Codec
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	client    *signalClient
	channel   string
	uid       domain.UID
	joining   bool
	joined    bool
	closed    bool
	handlers  map[ports.EventType][]func(ports.Event)
	published map[domain.StreamID]*LocalStream
	outbound  map[peerKey]*webrtc.PeerConnection
	inbound   map[domain.StreamID]*subscription
}

func newSession(p *Provider, mode domain.SessionMode, codec domain.Codec) *Session {
	return &Session{
		provider:  p,
		mode:      mode,
		codec:     codec,
		logger:    p.logger.With("mode", string(mode)),
		handlers:  make(map[ports.EventType][]func(ports.Event)),
		published: make(map[domain.StreamID]*LocalStream),
		outbound:  make(map[peerKey]*webrtc.PeerConnection),
		inbound:   make(map[domain.StreamID]*subscription),
	}
}

func (s *Session) Mode() domain.SessionMode { return s.mode }
func (s *Session) Codec() domain.Codec      { return s.codec }

func (s *Session) On(event ports.EventType, handler func(ports.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *Session) emit(event ports.Event) {
	s.mu.Lock()
	handlers := append([]func(ports.Event){}, s.handlers[event.Type]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

// Join connects to the signaling server. onSuccess runs on the signaling
// reader before any stream announcement of the channel is delivered.
func (s *Session) Join(token, channel string, uid domain.UID, onSuccess func(domain.UID), onFailure func(error)) {
	s.mu.Lock()
	var err error
	switch {
	case s.closed:
		err = ErrSessionClosed
	case s.joining || s.joined:
		err = fmt.Errorf("session already joined")
	default:
		s.joining = true
	}
	s.mu.Unlock()
	if err != nil {
		go onFailure(err)
		return
	}
	go s.join(token, channel, uid, onSuccess, onFailure)
}

func (s *Session) join(token, channel string, uid domain.UID, onSuccess func(domain.UID), onFailure func(error)) {
	cfg := s.provider.config
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	client, err := dialSignal(ctx, s.provider.dialer, cfg.SignalURL, cfg.RequestTimeout, s.logger)
	if err != nil {
		s.resetJoin()
		onFailure(err)
		return
	}
	go func() {
		err := client.run(s.handleSignal)
		s.signalClosed(client, err)
	}()

	client.call(signal.Message{
		Type:    signal.TypeJoin,
		Channel: channel,
		Token:   token,
		UID:     uid,
	}, func(reply signal.Message, err error) {
		if err == nil {
			s.mu.Lock()
			if s.closed {
				err = ErrSessionClosed
			} else {
				s.client = client
				s.channel = reply.Channel
				s.uid = reply.UID
				s.joined = true
				s.joining = false
			}
			s.mu.Unlock()
		}
		if err != nil {
			s.resetJoin()
			client.close()
			onFailure(err)
			return
		}
		s.logger.Infow("joined channel", "channel", reply.Channel, "uid", uint32(reply.UID))
		onSuccess(reply.UID)
	})
}

func (s *Session) resetJoin() {
	s.mu.Lock()
	s.joining = false
	s.mu.Unlock()
}

// signalClosed reports connection-lost when the signaling connection of a
// joined session drops without Leave.
func (s *Session) signalClosed(client *signalClient, err error) {
	s.mu.Lock()
	if s.client != client || !s.joined {
		s.mu.Unlock()
		return
	}
	s.joined = false
	s.client = nil
	subs, peers := s.detachLocked()
	s.mu.Unlock()

	closePeers(subs, peers, ErrSignalClosed)
	reason := ErrSignalClosed.Error()
	if err != nil {
		reason = err.Error()
	}
	s.logger.Warnw("signaling connection lost", "reason", reason)
	s.emit(ports.Event{Type: ports.EventConnectionLost, Reason: reason})
}

func (s *Session) detachLocked() (map[domain.StreamID]*subscription, map[peerKey]*webrtc.PeerConnection) {
	subs, peers := s.inbound, s.outbound
	s.inbound = make(map[domain.StreamID]*subscription)
	s.outbound = make(map[peerKey]*webrtc.PeerConnection)
	s.published = make(map[domain.StreamID]*LocalStream)
	return subs, peers
}

func closePeers(subs map[domain.StreamID]*subscription, peers map[peerKey]*webrtc.PeerConnection, reason error) {
	for _, sub := range subs {
		sub.close(reason)
	}
	for _, pc := range peers {
		pc.Close()
	}
}

func (sub *subscription) close(reason error) {
	sub.finish(reason)
	sub.halt.Do(func() { close(sub.stop) })
	if pc := sub.setPeer(nil); pc != nil {
		pc.Close()
	}
}

// Leave is idempotent. The session cannot be joined again afterwards.
func (s *Session) Leave(done func(error)) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.joined = false
	s.closed = true
	subs, peers := s.detachLocked()
	s.mu.Unlock()

	go func() {
		closePeers(subs, peers, ErrSessionClosed)
		if client == nil {
			done(nil)
			return
		}
		if err := client.notify(signal.Message{Type: signal.TypeLeave}); err != nil {
			s.logger.Debugw("failed to send leave", "error", err)
		}
		done(client.close())
	}()
}

func (s *Session) connected() (*signalClient, domain.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined || s.client == nil {
		return nil, 0, fmt.Errorf("session not connected")
	}
	return s.client, s.uid, nil
}

func (s *Session) Publish(stream ports.LocalStream, done func(error)) {
	local, ok := stream.(*LocalStream)
	if !ok {
		go done(fmt.Errorf("unsupported stream type %T", stream))
		return
	}
	client, uid, err := s.connected()
	if err == nil && !local.ready() {
		err = fmt.Errorf("stream %s not initialized", local.id)
	}
	if err != nil {
		go done(err)
		return
	}

	client.call(signal.Message{
		Type:     signal.TypePublish,
		StreamID: local.id,
		Stream: &signal.StreamInfo{
			StreamID: local.id,
			OwnerUID: uid,
			Video:    local.opts.Video,
			Audio:    local.opts.Audio,
			Screen:   local.opts.Screen,
		},
	}, func(_ signal.Message, err error) {
		if err == nil {
			s.mu.Lock()
			s.published[local.id] = local
			s.mu.Unlock()
		}
		done(err)
		if err == nil {
			s.emit(ports.Event{Type: ports.EventStreamPublished, StreamID: local.id, UID: uid})
		}
	})
}

func (s *Session) Unpublish(stream ports.LocalStream, done func(error)) {
	client, _, err := s.connected()
	if err != nil {
		go done(err)
		return
	}
	id := stream.ID()
	client.call(signal.Message{Type: signal.TypeUnpublish, StreamID: id}, func(_ signal.Message, err error) {
		if err == nil {
			s.mu.Lock()
			delete(s.published, id)
			var peers []*webrtc.PeerConnection
			for key, pc := range s.outbound {
				if key.stream == id {
					peers = append(peers, pc)
					delete(s.outbound, key)
				}
			}
			s.mu.Unlock()
			for _, pc := range peers {
				pc.Close()
			}
		}
		done(err)
	})
}

// Subscribe asks the owner for an offer. done resolves once the peer
// connection is up, or with an error on rejection or timeout.
func (s *Session) Subscribe(stream ports.RemoteStream, done func(error)) {
	client, _, err := s.connected()
	if err != nil {
		go done(err)
		return
	}
	id := stream.ID()
	sub := &subscription{owner: stream.OwnerUID(), done: done, stop: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.inbound[id]; exists {
		s.mu.Unlock()
		go done(fmt.Errorf("already subscribed to %s", id))
		return
	}
	s.inbound[id] = sub
	sub.timer = time.AfterFunc(s.provider.config.SubscribeTimeout, func() {
		s.failSubscription(id, sub, fmt.Errorf("subscribe to %s timed out", id))
	})
	s.mu.Unlock()

	client.call(signal.Message{Type: signal.TypeSubscribe, StreamID: id}, func(_ signal.Message, err error) {
		if err != nil {
			s.failSubscription(id, sub, err)
		}
	})
}

func (s *Session) failSubscription(id domain.StreamID, sub *subscription, err error) {
	s.mu.Lock()
	if s.inbound[id] == sub {
		delete(s.inbound, id)
	}
	s.mu.Unlock()
	if sub.finish(err) {
		s.logger.Warnw("subscription failed", "stream_id", string(id), "error", err)
	}
	sub.close(err)
}

func (s *Session) completeSubscription(id domain.StreamID, sub *subscription) {
	s.mu.Lock()
	current := s.inbound[id] == sub
	s.mu.Unlock()
	if !current || !sub.finish(nil) {
		return
	}
	s.logger.Infow("subscribed to remote stream", "stream_id", string(id), "owner_uid", uint32(sub.owner))
	s.emit(ports.Event{Type: ports.EventStreamSubscribed, StreamID: id, UID: sub.owner})
}

// handleSignal runs on the signaling reader in arrival order
func (s *Session) handleSignal(msg signal.Message) {
	switch msg.Type {
	case signal.TypeStreamAdded:
		s.emit(ports.Event{
			Type:     ports.EventStreamAdded,
			StreamID: msg.StreamID,
			UID:      msg.UID,
			Stream:   remoteStream{id: msg.StreamID, owner: msg.UID},
		})
	case signal.TypeStreamRemoved:
		s.mu.Lock()
		sub := s.inbound[msg.StreamID]
		delete(s.inbound, msg.StreamID)
		s.mu.Unlock()
		// removal goes out first so a pending subscribe resolves against a
		// handle that is already gone
		s.emit(ports.Event{Type: ports.EventStreamRemoved, StreamID: msg.StreamID, UID: msg.UID})
		if sub != nil {
			sub.close(fmt.Errorf("stream %s removed", msg.StreamID))
		}
	case signal.TypeSubscribeRequest:
		go s.offerStream(msg.From, msg.StreamID)
	case signal.TypeUnsubscribeReq:
		s.dropOutbound(peerKey{msg.StreamID, msg.From}, nil)
	case signal.TypeOffer:
		go s.answerOffer(msg)
	case signal.TypeAnswer:
		s.applyAnswer(msg)
	case signal.TypeICECandidate:
		s.addCandidate(msg)
	case signal.TypeError:
		s.logger.Warnw("signaling error", "code", msg.Code, "error", msg.Error, "stream_id", string(msg.StreamID))
	default:
		s.logger.Debugw("ignoring signaling message", "type", msg.Type)
	}
}

// offerStream sends the tracks of a published stream to one subscriber
func (s *Session) offerStream(to domain.UID, id domain.StreamID) {
	s.mu.Lock()
	local := s.published[id]
	client := s.client
	s.mu.Unlock()
	if local == nil || client == nil {
		s.logger.Warnw("subscribe request for unknown stream", "stream_id", string(id), "from", uint32(to))
		return
	}

	pc, err := s.provider.newPeerConnection()
	if err != nil {
		s.logger.Errorw("failed to create publisher peer connection", "stream_id", string(id), "error", err)
		return
	}
	for _, track := range local.tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			s.logger.Warnw("failed to add track", "stream_id", string(id), "track_id", track.ID(), "error", err)
			continue
		}
		go s.readRTCP(id, to, func() ([]rtcp.Packet, error) {
			packets, _, err := sender.ReadRTCP()
			return packets, err
		}, local)
	}

	key := peerKey{id, to}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("publisher peer connection state changed",
			"stream_id", string(id),
			"subscriber_uid", uint32(to),
			"connection_state", state.String(),
		)
		if state == webrtc.PeerConnectionStateFailed {
			s.dropOutbound(key, pc)
		}
	})

	s.mu.Lock()
	previous := s.outbound[key]
	s.outbound[key] = pc
	s.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	sdp, err := s.localDescription(pc, true)
	if err != nil {
		s.logger.Errorw("failed to create offer", "stream_id", string(id), "error", err)
		s.dropOutbound(key, pc)
		return
	}
	if err := client.notify(signal.Message{Type: signal.TypeOffer, To: to, StreamID: id, Payload: sdp}); err != nil {
		s.logger.Warnw("failed to send offer", "stream_id", string(id), "error", err)
		s.dropOutbound(key, pc)
	}
}

// dropOutbound closes the publisher side of a subscription. With a nil pc
// whatever is registered under key is dropped.
func (s *Session) dropOutbound(key peerKey, pc *webrtc.PeerConnection) {
	s.mu.Lock()
	current := s.outbound[key]
	if current != nil && (pc == nil || current == pc) {
		delete(s.outbound, key)
	}
	s.mu.Unlock()
	if pc == nil {
		pc = current
	}
	if pc != nil {
		pc.Close()
	}
}

func (s *Session) answerOffer(msg signal.Message) {
	s.mu.Lock()
	sub := s.inbound[msg.StreamID]
	client := s.client
	s.mu.Unlock()
	if sub == nil || sub.owner != msg.From || client == nil {
		s.logger.Warnw("unexpected offer", "stream_id", string(msg.StreamID), "from", uint32(msg.From))
		return
	}

	var desc signal.SessionDescription
	if err := json.Unmarshal(msg.Payload, &desc); err != nil {
		s.failSubscription(msg.StreamID, sub, fmt.Errorf("invalid offer: %w", err))
		return
	}

	pc, err := s.provider.newPeerConnection()
	if err != nil {
		s.failSubscription(msg.StreamID, sub, err)
		return
	}
	pc.OnTrack(s.receiveTrack(msg.StreamID, sub, pc))
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("subscriber peer connection state changed",
			"stream_id", string(msg.StreamID),
			"connection_state", state.String(),
		)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.completeSubscription(msg.StreamID, sub)
		case webrtc.PeerConnectionStateFailed:
			s.failSubscription(msg.StreamID, sub, fmt.Errorf("peer connection failed"))
		}
	})
	if old := sub.setPeer(pc); old != nil {
		old.Close()
	}
	select {
	case <-sub.stop:
		pc.Close()
		return
	default:
	}

	err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP})
	if err != nil {
		s.failSubscription(msg.StreamID, sub, fmt.Errorf("failed to apply offer: %w", err))
		return
	}
	sdp, err := s.localDescription(pc, false)
	if err != nil {
		s.failSubscription(msg.StreamID, sub, fmt.Errorf("failed to create answer: %w", err))
		return
	}
	if err := client.notify(signal.Message{Type: signal.TypeAnswer, To: msg.From, StreamID: msg.StreamID, Payload: sdp}); err != nil {
		s.failSubscription(msg.StreamID, sub, err)
	}
}

// localDescription creates an offer or answer and waits for ICE gathering,
// so candidates travel inside the SDP.
func (s *Session) localDescription(pc *webrtc.PeerConnection, offer bool) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	var err error
	if offer {
		desc, err = pc.CreateOffer(nil)
	} else {
		desc, err = pc.CreateAnswer(nil)
	}
	if err != nil {
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	select {
	case <-gathered:
	case <-time.After(s.provider.config.RequestTimeout):
		return nil, fmt.Errorf("ICE gathering timed out")
	}
	local := pc.LocalDescription()
	return json.Marshal(signal.SessionDescription{Type: local.Type.String(), SDP: local.SDP})
}

func (s *Session) applyAnswer(msg signal.Message) {
	s.mu.Lock()
	pc := s.outbound[peerKey{msg.StreamID, msg.From}]
	s.mu.Unlock()
	if pc == nil {
		s.logger.Warnw("answer for unknown peer connection", "stream_id", string(msg.StreamID), "from", uint32(msg.From))
		return
	}
	var desc signal.SessionDescription
	if err := json.Unmarshal(msg.Payload, &desc); err != nil {
		s.logger.Warnw("invalid answer payload", "stream_id", string(msg.StreamID), "error", err)
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}); err != nil {
		s.logger.Warnw("failed to apply answer", "stream_id", string(msg.StreamID), "error", err)
	}
}

// addCandidate accepts trickled candidates from peers that send them
func (s *Session) addCandidate(msg signal.Message) {
	var candidate signal.ICECandidate
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
		s.logger.Warnw("invalid ICE candidate payload", "error", err)
		return
	}

	s.mu.Lock()
	pc := s.outbound[peerKey{msg.StreamID, msg.From}]
	if pc == nil {
		if sub := s.inbound[msg.StreamID]; sub != nil && sub.owner == msg.From {
			pc = sub.peer()
		}
	}
	s.mu.Unlock()
	if pc == nil {
		return
	}
	err := pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err != nil {
		s.logger.Debugw("failed to add ICE candidate", "stream_id", string(msg.StreamID), "error", err)
	}
}

// PeerCount reports the publisher and subscriber peer connections
func (s *Session) PeerCount() (outbound, inbound int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.inbound {
		if sub.peer() != nil {
			inbound++
		}
	}
	return len(s.outbound), inbound
}
