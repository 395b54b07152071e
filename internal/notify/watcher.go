package notify

import (
	"context"
	"errors"
	"time"

	"qpro/queue-engine/internal/models"
	"qpro/queue-engine/internal/store"

	"go.uber.org/zap"
)

type ViewSource interface {
	LiveView(ctx context.Context, officeID, tokenID string) (models.LiveView, error)
}

type Update struct {
	View          models.LiveView `json:"view"`
	Notifications []Notification  `json:"notifications"`
}

// Watcher keeps one viewer current: it re-reads the live view whenever the
// office changes and on every reconcile tick.
type Watcher struct {
	source   ViewSource
	feed     Feed
	officeID string
	tokenID  string
	interval time.Duration
	logger   *zap.Logger
	tracker  *Tracker
}

func NewWatcher(source ViewSource, feed Feed, officeID, tokenID string, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		source:   source,
		feed:     feed,
		officeID: officeID,
		tokenID:  tokenID,
		interval: interval,
		logger:   logger,
		tracker:  NewTracker(tokenID),
	}
}

// Run pushes an update for the current view, then one per change or tick,
// until ctx ends or emit fails.
func (w *Watcher) Run(ctx context.Context, emit func(Update) error) error {
	sub := w.feed.Subscribe(w.officeID)
	defer w.feed.Unsubscribe(sub)

	if err := w.refresh(ctx, emit); err != nil {
		return err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.C:
			if !ok {
				return nil
			}
		case <-ticker.C:
		}
		if err := w.refresh(ctx, emit); err != nil {
			return err
		}
	}
}

func (w *Watcher) refresh(ctx context.Context, emit func(Update) error) error {
	view, err := w.source.LiveView(ctx, w.officeID, w.tokenID)
	if err != nil {
		if errors.Is(err, store.ErrOfficeNotFound) || errors.Is(err, store.ErrTokenNotFound) {
			return err
		}
		w.logger.Warn("live view read failed, waiting for next change",
			zap.String("office_id", w.officeID), zap.Error(err))
		return nil
	}
	notes := w.tracker.Observe(view)
	if notes == nil {
		notes = []Notification{}
	}
	return emit(Update{View: view, Notifications: notes})
}
