package models

import "time"

// Change is the "something changed" signal carried by the change feed.
// Subscribers re-read state instead of trusting its fields.
type Change struct {
	OfficeID string    `json:"office_id"`
	Type     string    `json:"type"`
	TokenID  string    `json:"token_id,omitempty"`
	At       time.Time `json:"at"`
}

const (
	EventTokenIssued   = "token.issued"
	EventTokenServing  = "token.serving"
	EventTokenServed   = "token.served"
	EventTokenSkipped  = "token.skipped"
	EventQueuePaused   = "queue.paused"
	EventQueueResumed  = "queue.resumed"
	EventQueueClosed   = "queue.closed"
	EventQueueReopened = "queue.reopened"
)
