package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qpro/queue-engine/internal/models"

	"github.com/stretchr/testify/assert"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []models.Change
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, change models.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, change)
	return p.err
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	publisher := &fakePublisher{}
	dispatcher := NewDispatcher(publisher, nil, DispatcherConfig{Buffer: 2})
	before := droppedTotal.Value()

	for i := 0; i < 5; i++ {
		dispatcher.Notify(models.Change{OfficeID: "office-a", Type: models.EventTokenIssued})
	}
	assert.Equal(t, before+3, droppedTotal.Value())
	assert.Len(t, dispatcher.queue, 2)
}

func TestDispatcherRunPublishesAndSurvivesErrors(t *testing.T) {
	publisher := &fakePublisher{err: errors.New("redis down")}
	dispatcher := NewDispatcher(publisher, nil, DispatcherConfig{Buffer: 8, PublishTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	dispatcher.Notify(models.Change{OfficeID: "office-a", Type: models.EventTokenIssued})
	dispatcher.Notify(models.Change{OfficeID: "office-a", Type: models.EventTokenServing})

	assert.Eventually(t, func() bool { return publisher.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
