package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const maxUIDAttempts = 16

type RedisChannelRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisChannelRepository(client *redis.Client) ports.ChannelRepository {
	return &RedisChannelRepository{
		client: client,
		prefix: keyPrefix + "channel:",
	}
}

func (r *RedisChannelRepository) membersKey(channel string) string {
	return r.prefix + channel + ":members"
}

func (r *RedisChannelRepository) streamsKey(channel string) string {
	return r.prefix + channel + ":streams"
}

func (r *RedisChannelRepository) orderKey(channel string) string {
	return r.prefix + channel + ":order"
}

func (r *RedisChannelRepository) Join(ctx context.Context, channel string, preferred domain.UID, connID string) (domain.Member, error) {
	member := domain.Member{
		Channel:  channel,
		ConnID:   connID,
		JoinedAt: time.Now(),
	}

	if preferred != 0 {
		member.UID = preferred
		ok, err := r.claim(ctx, member)
		if err != nil {
			return domain.Member{}, err
		}
		if ok {
			return member, nil
		}
	}

	for i := 0; i < maxUIDAttempts; i++ {
		next, err := r.client.Incr(ctx, uidSequenceKey).Result()
		if err != nil {
			return domain.Member{}, fmt.Errorf("failed to allocate uid: %w", err)
		}
		member.UID = domain.UID(next)
		ok, err := r.claim(ctx, member)
		if err != nil {
			return domain.Member{}, err
		}
		if ok {
			return member, nil
		}
	}
	return domain.Member{}, fmt.Errorf("failed to allocate uid in %s after %d attempts", channel, maxUIDAttempts)
}

// claim stores the member unless its uid is already taken
func (r *RedisChannelRepository) claim(ctx context.Context, member domain.Member) (bool, error) {
	data, err := json.Marshal(member)
	if err != nil {
		return false, fmt.Errorf("failed to marshal member: %w", err)
	}
	ok, err := r.client.HSetNX(ctx, r.membersKey(member.Channel), member.UID.String(), data).Result()
	if err != nil {
		return false, fmt.Errorf("failed to add member in Redis: %w", err)
	}
	return ok, nil
}

func (r *RedisChannelRepository) Leave(ctx context.Context, channel string, uid domain.UID) ([]domain.PublishedStream, error) {
	n, err := r.client.HDel(ctx, r.membersKey(channel), uid.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to remove member from Redis: %w", err)
	}
	if n == 0 {
		return nil, domain.ErrMemberNotFound
	}

	streams, err := r.Streams(ctx, channel)
	if err != nil {
		return nil, err
	}

	var removed []domain.PublishedStream
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range streams {
			if s.OwnerUID != uid {
				continue
			}
			removed = append(removed, s)
			pipe.HDel(ctx, r.streamsKey(channel), string(s.StreamID))
			pipe.ZRem(ctx, r.orderKey(channel), string(s.StreamID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remove streams of %s: %w", uid, err)
	}
	return removed, nil
}

func (r *RedisChannelRepository) Members(ctx context.Context, channel string) ([]domain.Member, error) {
	values, err := r.client.HGetAll(ctx, r.membersKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get members from Redis: %w", err)
	}

	members := make([]domain.Member, 0, len(values))
	for _, data := range values {
		var m domain.Member
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			continue
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UID < members[j].UID })
	return members, nil
}

func (r *RedisChannelRepository) AddStream(ctx context.Context, stream domain.PublishedStream) error {
	exists, err := r.client.HExists(ctx, r.membersKey(stream.Channel), stream.OwnerUID.String()).Result()
	if err != nil {
		return fmt.Errorf("failed to check member in Redis: %w", err)
	}
	if !exists {
		return domain.ErrMemberNotFound
	}

	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}
	ok, err := r.client.HSetNX(ctx, r.streamsKey(stream.Channel), string(stream.StreamID), data).Result()
	if err != nil {
		return fmt.Errorf("failed to set stream in Redis: %w", err)
	}
	if !ok {
		return domain.ErrStreamExists
	}

	seq, err := r.client.Incr(ctx, streamSequenceKey).Result()
	if err != nil {
		return fmt.Errorf("failed to order stream: %w", err)
	}
	if err := r.client.ZAdd(ctx, r.orderKey(stream.Channel), redis.Z{Score: float64(seq), Member: string(stream.StreamID)}).Err(); err != nil {
		return fmt.Errorf("failed to order stream: %w", err)
	}
	return nil
}

func (r *RedisChannelRepository) RemoveStream(ctx context.Context, channel string, id domain.StreamID) (domain.PublishedStream, error) {
	stream, err := r.GetStream(ctx, channel, id)
	if err != nil {
		return domain.PublishedStream{}, err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.streamsKey(channel), string(id))
		pipe.ZRem(ctx, r.orderKey(channel), string(id))
		return nil
	})
	if err != nil {
		return domain.PublishedStream{}, fmt.Errorf("failed to delete stream from Redis: %w", err)
	}
	return stream, nil
}

func (r *RedisChannelRepository) GetStream(ctx context.Context, channel string, id domain.StreamID) (domain.PublishedStream, error) {
	data, err := r.client.HGet(ctx, r.streamsKey(channel), string(id)).Result()
	if err == redis.Nil {
		return domain.PublishedStream{}, domain.ErrStreamNotFound
	}
	if err != nil {
		return domain.PublishedStream{}, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	var stream domain.PublishedStream
	if err := json.Unmarshal([]byte(data), &stream); err != nil {
		return domain.PublishedStream{}, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return stream, nil
}

func (r *RedisChannelRepository) Streams(ctx context.Context, channel string) ([]domain.PublishedStream, error) {
	ids, err := r.client.ZRange(ctx, r.orderKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream order from Redis: %w", err)
	}
	if len(ids) == 0 {
		return []domain.PublishedStream{}, nil
	}

	values, err := r.client.HMGet(ctx, r.streamsKey(channel), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get streams from Redis: %w", err)
	}

	streams := make([]domain.PublishedStream, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			// Skip streams removed between the two reads
			continue
		}
		var s domain.PublishedStream
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			continue
		}
		streams = append(streams, s)
	}
	return streams, nil
}
