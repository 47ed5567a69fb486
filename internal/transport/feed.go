package transport

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/techSaswata/StackLane/internal/room"
)

// ChangeFeed publishes row-change notifications onto the same topic the
// room subscriptions listen on. The message store holds one of these so
// every confirmed write fans out to all current subscribers of the channel,
// the writer included.
type ChangeFeed struct {
	client *redis.Client
}

func NewChangeFeed(client *redis.Client) *ChangeFeed {
	return &ChangeFeed{client: client}
}

func (f *ChangeFeed) Publish(ctx context.Context, channelKey string, change room.RowChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, changesTopic(channelKey), payload).Err()
}
