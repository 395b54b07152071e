package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"qpro/queue-engine/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "qpro:office:"

// RedisFeed publishes changes through Redis pub/sub so every instance's
// viewers hear about commits made elsewhere. Received changes are
// re-broadcast into the local feed.
type RedisFeed struct {
	client *redis.Client
	local  *LocalFeed
	logger *zap.Logger
}

func NewRedisFeed(client *redis.Client, local *LocalFeed, logger *zap.Logger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{client: client, local: local, logger: logger}
}

func ChannelFor(officeID string) string {
	return channelPrefix + officeID
}

func (f *RedisFeed) Publish(ctx context.Context, change models.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, ChannelFor(change.OfficeID), payload).Err()
}

func (f *RedisFeed) Subscribe(officeID string) *Subscription {
	return f.local.Subscribe(officeID)
}

func (f *RedisFeed) Unsubscribe(sub *Subscription) {
	f.local.Unsubscribe(sub)
}

// Run relays every office channel into the local feed until ctx ends.
func (f *RedisFeed) Run(ctx context.Context) error {
	pubsub := f.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("redis change feed closed")
			}
			var change models.Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				f.logger.Warn("invalid change payload", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if change.OfficeID == "" {
				change.OfficeID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			f.local.Broadcast(change)
		}
	}
}
