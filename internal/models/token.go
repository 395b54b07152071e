package models

import (
	"fmt"
	"time"
)

type QueueToken struct {
	TokenID           string     `json:"token_id"`
	OfficeID          string     `json:"office_id"`
	DepartmentID      string     `json:"department_id,omitempty"`
	ServiceDay        string     `json:"service_day"`
	Sequence          int        `json:"sequence"`
	TicketNumber      int        `json:"ticket_number"`
	HolderName        string     `json:"holder_name"`
	HolderPhone       string     `json:"holder_phone,omitempty"`
	HolderID          string     `json:"holder_id,omitempty"`
	Status            string     `json:"status"`
	JoinedAt          time.Time  `json:"joined_at"`
	ServedAt          *time.Time `json:"served_at,omitempty"`
	EstimatedWaitMins int        `json:"estimated_wait_mins"`
	// NumberPartition scopes TicketNumber uniqueness: empty for the
	// office-wide sequence, the department id when numbering per department.
	NumberPartition string `json:"-"`
}

const (
	StatusWaiting = "waiting"
	StatusServing = "serving"
	StatusServed  = "served"
	StatusSkipped = "skipped"
)

func IsTerminal(status string) bool {
	return status == StatusServed || status == StatusSkipped
}

func IsValidStatus(status string) bool {
	switch status {
	case StatusWaiting, StatusServing, StatusServed, StatusSkipped:
		return true
	default:
		return false
	}
}

// QueueOrderLess reports whether a is ahead of b in the office queue.
func QueueOrderLess(a, b QueueToken) bool {
	if a.ServiceDay != b.ServiceDay {
		return a.ServiceDay < b.ServiceDay
	}
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	return a.TicketNumber < b.TicketNumber
}

func FormatTicketNumber(number int) string {
	return fmt.Sprintf("%03d", number)
}

// Redacted drops holder contact details for public views.
func (t QueueToken) Redacted() QueueToken {
	t.HolderPhone = ""
	t.HolderID = ""
	return t
}
