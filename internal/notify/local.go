package notify

import (
	"context"
	"sync"

	"qpro/queue-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalFeed fans changes out to subscribers in this process.
type LocalFeed struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	logger *zap.Logger
}

func NewLocalFeed(logger *zap.Logger) *LocalFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalFeed{subs: make(map[string]map[string]*Subscription), logger: logger}
}

func (f *LocalFeed) Subscribe(officeID string) *Subscription {
	sub := &Subscription{ID: uuid.NewString(), OfficeID: officeID, C: make(chan models.Change, 1)}
	f.mu.Lock()
	defer f.mu.Unlock()
	office, ok := f.subs[officeID]
	if !ok {
		office = make(map[string]*Subscription)
		f.subs[officeID] = office
	}
	office[sub.ID] = sub
	return sub
}

func (f *LocalFeed) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	office, ok := f.subs[sub.OfficeID]
	if !ok {
		return
	}
	if _, ok := office[sub.ID]; !ok {
		return
	}
	delete(office, sub.ID)
	if len(office) == 0 {
		delete(f.subs, sub.OfficeID)
	}
	close(sub.C)
}

func (f *LocalFeed) Publish(ctx context.Context, change models.Change) error {
	f.Broadcast(change)
	return nil
}

// Broadcast never blocks. A subscriber whose slot is full already has a
// re-read pending, so the signal is folded into it.
func (f *LocalFeed) Broadcast(change models.Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs[change.OfficeID] {
		select {
		case sub.C <- change:
		default:
			f.logger.Debug("coalesced change for subscriber",
				zap.String("subscription_id", sub.ID), zap.String("office_id", change.OfficeID))
		}
	}
}

// Subscribers reports how many viewers watch an office.
func (f *LocalFeed) Subscribers(officeID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[officeID])
}
