package memory

import (
	"fmt"
	"sort"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

// Op names a provider operation that can be made to fail
type Op string

const (
	OpJoin      Op = "join"
	OpPublish   Op = "publish"
	OpUnpublish Op = "unpublish"
	OpSubscribe Op = "subscribe"
	OpMedia     Op = "media"
	OpToggle    Op = "toggle"
)

const firstAssignedUID = 1000

// Network is an in-process media network. Sessions created by any Provider
// bound to the same Network see each other's streams.
type Network struct {
	mu       sync.Mutex
	channels map[string]*channel
	faults   map[faultKey][]error
	nextUID  uint32
	logger   *zap.SugaredLogger
}

type faultKey struct {
	op      Op
	channel string
}

type channel struct {
	name         string
	members      map[domain.UID]*Session
	publications []*publication
}

type publication struct {
	stream *LocalStream
	owner  *Session
}

func (p *publication) remote() remoteStream {
	return remoteStream{id: p.stream.ID(), owner: p.owner.uid}
}

// NewNetwork creates an empty network
func NewNetwork(logger *zap.SugaredLogger) *Network {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Network{
		channels: make(map[string]*channel),
		faults:   make(map[faultKey][]error),
		nextUID:  firstAssignedUID,
		logger:   logger,
	}
}

// FailNext makes the next op on the channel fail with err. Channel "" matches
// any channel. Faults queue up and are consumed in order.
func (n *Network) FailNext(op Op, channelName string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := faultKey{op: op, channel: channelName}
	n.faults[key] = append(n.faults[key], err)
}

// takeFault must be called with n.mu held
func (n *Network) takeFault(op Op, channelName string) error {
	for _, key := range []faultKey{{op, channelName}, {op, ""}} {
		queue := n.faults[key]
		if len(queue) == 0 {
			continue
		}
		err := queue[0]
		if len(queue) == 1 {
			delete(n.faults, key)
		} else {
			n.faults[key] = queue[1:]
		}
		return err
	}
	return nil
}

// DropConnection simulates a network failure for one member. The member is
// removed from the channel, its streams disappear for everyone else and it
// receives connection-lost.
func (n *Network) DropConnection(channelName string, uid domain.UID, reason string) error {
	n.mu.Lock()
	ch, ok := n.channels[channelName]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("channel %s not found", channelName)
	}
	s, ok := ch.members[uid]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("uid %d not in channel %s", uid, channelName)
	}
	n.removeMemberLocked(ch, s)
	n.mu.Unlock()

	n.logger.Infow("Dropping connection", "channel", channelName, "uid", uint32(uid), "reason", reason)
	s.deliver(ports.Event{Type: ports.EventConnectionLost, UID: uid, Reason: reason})
	return nil
}

// Members returns the uids joined to a channel in ascending order
func (n *Network) Members(channelName string) []domain.UID {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.channels[channelName]
	if !ok {
		return nil
	}
	out := make([]domain.UID, 0, len(ch.members))
	for uid := range ch.members {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Streams returns the ids published in a channel in publish order
func (n *Network) Streams(channelName string) []domain.StreamID {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.channels[channelName]
	if !ok {
		return nil
	}
	out := make([]domain.StreamID, 0, len(ch.publications))
	for _, p := range ch.publications {
		out = append(out, p.stream.ID())
	}
	return out
}

// join adds s to the channel. The join completion and the stream-added
// events for already published streams are queued on s before any other
// member can announce anything to it.
func (n *Network) join(s *Session, channelName string, preferred domain.UID, onSuccess func(domain.UID)) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.takeFault(OpJoin, channelName); err != nil {
		return err
	}

	ch, ok := n.channels[channelName]
	if !ok {
		ch = &channel{name: channelName, members: make(map[domain.UID]*Session)}
		n.channels[channelName] = ch
	}

	uid := preferred
	if _, taken := ch.members[uid]; uid == 0 || taken {
		uid = n.allocateUIDLocked(ch)
	}
	ch.members[uid] = s
	s.bind(channelName, uid)

	s.post(func() { onSuccess(uid) })
	for _, p := range ch.publications {
		s.deliver(ports.Event{
			Type:     ports.EventStreamAdded,
			StreamID: p.stream.ID(),
			UID:      p.owner.uid,
			Stream:   p.remote(),
		})
	}
	return nil
}

func (n *Network) allocateUIDLocked(ch *channel) domain.UID {
	for {
		uid := domain.UID(n.nextUID)
		n.nextUID++
		if _, taken := ch.members[uid]; !taken {
			return uid
		}
	}
}

func (n *Network) leave(s *Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.channels[s.channel]
	if !ok || ch.members[s.uid] != s {
		return
	}
	n.removeMemberLocked(ch, s)
}

// removeMemberLocked drops s and its publications from ch and tells the
// remaining members. Must be called with n.mu held.
func (n *Network) removeMemberLocked(ch *channel, s *Session) {
	delete(ch.members, s.uid)

	kept := ch.publications[:0]
	var removed []*publication
	for _, p := range ch.publications {
		if p.owner == s {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	ch.publications = kept

	for _, p := range removed {
		n.broadcastLocked(ch, s, ports.Event{
			Type:     ports.EventStreamRemoved,
			StreamID: p.stream.ID(),
			UID:      s.uid,
		})
	}
	if len(ch.members) == 0 {
		delete(n.channels, ch.name)
	}
}

func (n *Network) publish(s *Session, stream *LocalStream) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.takeFault(OpPublish, s.channel); err != nil {
		return err
	}
	ch, ok := n.channels[s.channel]
	if !ok || ch.members[s.uid] != s {
		return fmt.Errorf("not joined to %s", s.channel)
	}
	for _, p := range ch.publications {
		if p.stream.ID() == stream.ID() {
			return fmt.Errorf("stream %s already published", stream.ID())
		}
	}

	p := &publication{stream: stream, owner: s}
	ch.publications = append(ch.publications, p)
	n.broadcastLocked(ch, s, ports.Event{
		Type:     ports.EventStreamAdded,
		StreamID: stream.ID(),
		UID:      s.uid,
		Stream:   p.remote(),
	})
	return nil
}

func (n *Network) unpublish(s *Session, stream *LocalStream) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.takeFault(OpUnpublish, s.channel); err != nil {
		return err
	}
	ch, ok := n.channels[s.channel]
	if !ok {
		return fmt.Errorf("not joined to %s", s.channel)
	}
	for i, p := range ch.publications {
		if p.owner == s && p.stream.ID() == stream.ID() {
			ch.publications = append(ch.publications[:i], ch.publications[i+1:]...)
			n.broadcastLocked(ch, s, ports.Event{
				Type:     ports.EventStreamRemoved,
				StreamID: stream.ID(),
				UID:      s.uid,
			})
			return nil
		}
	}
	return fmt.Errorf("stream %s not published", stream.ID())
}

func (n *Network) subscribe(s *Session, id domain.StreamID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.takeFault(OpSubscribe, s.channel); err != nil {
		return err
	}
	ch, ok := n.channels[s.channel]
	if !ok {
		return fmt.Errorf("not joined to %s", s.channel)
	}
	for _, p := range ch.publications {
		if p.stream.ID() == id {
			return nil
		}
	}
	return fmt.Errorf("stream %s not found", id)
}

func (n *Network) mediaFault(op Op) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.takeFault(op, "")
}

// broadcastLocked delivers ev to every member except from
func (n *Network) broadcastLocked(ch *channel, from *Session, ev ports.Event) {
	for _, member := range ch.members {
		if member == from {
			continue
		}
		member.deliver(ev)
	}
}

type remoteStream struct {
	id    domain.StreamID
	owner domain.UID
}

func (r remoteStream) ID() domain.StreamID  { return r.id }
func (r remoteStream) OwnerUID() domain.UID { return r.owner }
