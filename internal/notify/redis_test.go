package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"qpro/queue-engine/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisFeedRelaysAcrossInstances(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is required for redis feed tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	receiving := NewRedisFeed(client, NewLocalFeed(nil), nil)
	sending := NewRedisFeed(client, NewLocalFeed(nil), nil)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = receiving.Run(runCtx) }()

	officeID := uuid.NewString()
	sub := receiving.Subscribe(officeID)
	defer receiving.Unsubscribe(sub)

	change := models.Change{OfficeID: officeID, Type: models.EventQueuePaused, At: time.Now().UTC()}
	assert.Eventually(t, func() bool {
		if err := sending.Publish(ctx, change); err != nil {
			return false
		}
		select {
		case got := <-sub.C:
			return got.Type == models.EventQueuePaused
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 4*time.Second, 10*time.Millisecond)
}
