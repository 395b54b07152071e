package notify

import (
	"context"
	"expvar"
	"time"

	"qpro/queue-engine/internal/models"

	"go.uber.org/zap"
)

var droppedTotal = expvar.NewInt("notify_dropped_total")

type DispatcherConfig struct {
	Buffer         int
	PublishTimeout time.Duration
}

// Dispatcher hands committed changes to the feed off the caller's path.
type Dispatcher struct {
	publisher Publisher
	queue     chan models.Change
	timeout   time.Duration
	logger    *zap.Logger
}

func NewDispatcher(publisher Publisher, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		publisher: publisher,
		queue:     make(chan models.Change, buffer),
		timeout:   timeout,
		logger:    logger,
	}
}

// Notify enqueues without blocking. When the buffer is full the change is
// dropped; viewers recover on their next change or reconcile tick.
func (d *Dispatcher) Notify(change models.Change) {
	select {
	case d.queue <- change:
	default:
		droppedTotal.Add(1)
		d.logger.Warn("change dropped, dispatcher buffer full",
			zap.String("office_id", change.OfficeID), zap.String("type", change.Type))
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-d.queue:
			d.publish(ctx, change)
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, change models.Change) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.publisher.Publish(ctx, change); err != nil {
		d.logger.Warn("publish change failed",
			zap.String("office_id", change.OfficeID), zap.String("type", change.Type), zap.Error(err))
	}
}
