package notify

import (
	"time"

	"qpro/queue-engine/internal/models"
)

const (
	KindYourTurn      = "your_turn"
	KindThreeAway     = "three_away"
	KindYouAreNext    = "you_are_next"
	KindQueuePaused   = "queue_paused"
	KindQueueResumed  = "queue_resumed"
	KindQueueClosed   = "queue_closed"
	KindQueueReopened = "queue_reopened"
	KindTokenServed   = "token_served"
	KindTokenSkipped  = "token_skipped"
)

type Notification struct {
	Kind         string    `json:"kind"`
	OfficeID     string    `json:"office_id"`
	TokenID      string    `json:"token_id,omitempty"`
	TicketNumber int       `json:"ticket_number,omitempty"`
	Message      string    `json:"message"`
	At           time.Time `json:"at"`
}

// Tracker derives user-facing notifications by diffing consecutive live
// views of one viewer. Threshold notifications fire at most once per token.
type Tracker struct {
	tokenID      string
	prev         *models.LiveView
	threeAwayFor string
	nextFor      string
}

func NewTracker(tokenID string) *Tracker {
	return &Tracker{tokenID: tokenID}
}

func (t *Tracker) Observe(view models.LiveView) []Notification {
	var out []Notification
	emit := func(kind string, token *models.QueueToken) {
		n := Notification{Kind: kind, OfficeID: view.Office.OfficeID, At: view.GeneratedAt}
		number := 0
		if token != nil {
			n.TokenID = token.TokenID
			n.TicketNumber = token.TicketNumber
			number = token.TicketNumber
		}
		n.Message = renderTemplate(defaultTemplate(kind), number)
		out = append(out, n)
	}

	if t.prev != nil {
		if !t.prev.State.Paused && view.State.Paused {
			emit(KindQueuePaused, nil)
		}
		if t.prev.State.Paused && !view.State.Paused {
			emit(KindQueueResumed, nil)
		}
		if !t.prev.State.Closed && view.State.Closed {
			emit(KindQueueClosed, nil)
		}
		if t.prev.State.Closed && !view.State.Closed {
			emit(KindQueueReopened, nil)
		}
	}

	if view.Token != nil && (t.tokenID == "" || view.Token.Token.TokenID == t.tokenID) {
		token := view.Token.Token
		prevStatus := ""
		if t.prev != nil && t.prev.Token != nil && t.prev.Token.Token.TokenID == token.TokenID {
			prevStatus = t.prev.Token.Token.Status
		}

		switch token.Status {
		case models.StatusWaiting:
			switch view.Token.PositionAhead {
			case 3:
				if t.threeAwayFor != token.TokenID {
					t.threeAwayFor = token.TokenID
					emit(KindThreeAway, &token)
				}
			case 1:
				if t.nextFor != token.TokenID {
					t.nextFor = token.TokenID
					emit(KindYouAreNext, &token)
				}
			}
		case models.StatusServing:
			if prevStatus == models.StatusWaiting {
				emit(KindYourTurn, &token)
			}
		case models.StatusServed:
			if prevStatus != "" && prevStatus != models.StatusServed {
				emit(KindTokenServed, &token)
			}
		case models.StatusSkipped:
			if prevStatus != "" && prevStatus != models.StatusSkipped {
				emit(KindTokenSkipped, &token)
			}
		}
	}

	snapshot := view
	t.prev = &snapshot
	return out
}
