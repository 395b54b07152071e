package queue

import (
	"fmt"

	"qpro/queue-engine/internal/store"
)

// HolderQueuedError carries the ticket a holder already has so callers can
// redirect them to it.
type HolderQueuedError struct {
	TokenID string
}

func (e *HolderQueuedError) Error() string {
	return fmt.Sprintf("holder already queued with token %s", e.TokenID)
}

func (e *HolderQueuedError) Unwrap() error {
	return store.ErrHolderAlreadyQueued
}
