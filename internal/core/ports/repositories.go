package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// ChannelRepository stores channel membership and published streams for the
// signaling server.
type ChannelRepository interface {
	// Join registers a member. The preferred uid is used when it is non-zero
	// and free in the channel, otherwise a fresh one is allocated.
	Join(ctx context.Context, channel string, preferred domain.UID, connID string) (domain.Member, error)
	// Leave removes a member and every stream it owns. The removed streams
	// are returned so callers can announce them.
	Leave(ctx context.Context, channel string, uid domain.UID) ([]domain.PublishedStream, error)
	Members(ctx context.Context, channel string) ([]domain.Member, error)

	AddStream(ctx context.Context, stream domain.PublishedStream) error
	RemoveStream(ctx context.Context, channel string, id domain.StreamID) (domain.PublishedStream, error)
	GetStream(ctx context.Context, channel string, id domain.StreamID) (domain.PublishedStream, error)
	// Streams lists a channel's streams in publish order
	Streams(ctx context.Context, channel string) ([]domain.PublishedStream, error)
}
