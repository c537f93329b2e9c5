package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
)

const firstAllocatedUID = 1000

type channelState struct {
	members map[domain.UID]domain.Member
	streams []domain.PublishedStream
}

type MemoryChannelRepository struct {
	channels map[string]*channelState
	nextUID  domain.UID
	mu       sync.RWMutex
}

func NewMemoryChannelRepository() ports.ChannelRepository {
	return &MemoryChannelRepository{
		channels: make(map[string]*channelState),
		nextUID:  firstAllocatedUID,
	}
}

func (r *MemoryChannelRepository) Join(ctx context.Context, channel string, preferred domain.UID, connID string) (domain.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.channels[channel]
	if !ok {
		state = &channelState{members: make(map[domain.UID]domain.Member)}
		r.channels[channel] = state
	}

	uid := preferred
	if _, taken := state.members[uid]; uid == 0 || taken {
		for {
			uid = r.nextUID
			r.nextUID++
			if _, taken := state.members[uid]; !taken {
				break
			}
		}
	}

	member := domain.Member{
		Channel:  channel,
		UID:      uid,
		ConnID:   connID,
		JoinedAt: time.Now(),
	}
	state.members[uid] = member
	return member, nil
}

func (r *MemoryChannelRepository) Leave(ctx context.Context, channel string, uid domain.UID) ([]domain.PublishedStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.channels[channel]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	if _, ok := state.members[uid]; !ok {
		return nil, domain.ErrMemberNotFound
	}
	delete(state.members, uid)

	var removed []domain.PublishedStream
	kept := state.streams[:0]
	for _, s := range state.streams {
		if s.OwnerUID == uid {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	state.streams = kept

	if len(state.members) == 0 {
		delete(r.channels, channel)
	}
	return removed, nil
}

func (r *MemoryChannelRepository) Members(ctx context.Context, channel string) ([]domain.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.channels[channel]
	if !ok {
		return []domain.Member{}, nil
	}
	result := make([]domain.Member, 0, len(state.members))
	for _, m := range state.members {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}

func (r *MemoryChannelRepository) AddStream(ctx context.Context, stream domain.PublishedStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.channels[stream.Channel]
	if !ok {
		return domain.ErrMemberNotFound
	}
	if _, ok := state.members[stream.OwnerUID]; !ok {
		return domain.ErrMemberNotFound
	}
	for _, s := range state.streams {
		if s.StreamID == stream.StreamID {
			return domain.ErrStreamExists
		}
	}
	state.streams = append(state.streams, stream)
	return nil
}

func (r *MemoryChannelRepository) RemoveStream(ctx context.Context, channel string, id domain.StreamID) (domain.PublishedStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.channels[channel]
	if !ok {
		return domain.PublishedStream{}, domain.ErrStreamNotFound
	}
	for i, s := range state.streams {
		if s.StreamID == id {
			state.streams = append(state.streams[:i], state.streams[i+1:]...)
			return s, nil
		}
	}
	return domain.PublishedStream{}, domain.ErrStreamNotFound
}

func (r *MemoryChannelRepository) GetStream(ctx context.Context, channel string, id domain.StreamID) (domain.PublishedStream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.channels[channel]
	if !ok {
		return domain.PublishedStream{}, domain.ErrStreamNotFound
	}
	for _, s := range state.streams {
		if s.StreamID == id {
			return s, nil
		}
	}
	return domain.PublishedStream{}, domain.ErrStreamNotFound
}

func (r *MemoryChannelRepository) Streams(ctx context.Context, channel string) ([]domain.PublishedStream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.channels[channel]
	if !ok {
		return []domain.PublishedStream{}, nil
	}
	return append([]domain.PublishedStream{}, state.streams...), nil
}
