package notify

import (
	"context"

	"qpro/queue-engine/internal/models"
)

// Feed carries "office changed" signals between the controller and viewers.
// The payload is advisory: subscribers re-read state on every signal.
type Feed interface {
	Publisher
	Subscribe(officeID string) *Subscription
	Unsubscribe(sub *Subscription)
}

type Publisher interface {
	Publish(ctx context.Context, change models.Change) error
}

// Subscription is one viewer's signal channel. C holds at most one pending
// signal; further signals coalesce into it.
type Subscription struct {
	ID       string
	OfficeID string
	C        chan models.Change
}
