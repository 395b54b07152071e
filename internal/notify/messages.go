package notify

import (
	"strings"

	"qpro/queue-engine/internal/models"
)

func defaultTemplate(kind string) string {
	switch kind {
	case KindYourTurn:
		return "It's your turn! Ticket {ticket_number}, please proceed to the counter."
	case KindThreeAway:
		return "You are 3 tokens away! Ticket {ticket_number}."
	case KindYouAreNext:
		return "You are next in line! Ticket {ticket_number}."
	case KindQueuePaused:
		return "The queue has been paused by the administrator."
	case KindQueueResumed:
		return "The queue has been resumed."
	case KindQueueClosed:
		return "The queue is closed for now."
	case KindQueueReopened:
		return "The queue is open again."
	case KindTokenServed:
		return "Ticket {ticket_number} has been served. Thank you!"
	case KindTokenSkipped:
		return "Ticket {ticket_number} was skipped."
	}
	return ""
}

func renderTemplate(template string, ticketNumber int) string {
	if ticketNumber <= 0 {
		return strings.ReplaceAll(template, " Ticket {ticket_number}", "")
	}
	return strings.ReplaceAll(template, "{ticket_number}", models.FormatTicketNumber(ticketNumber))
}
