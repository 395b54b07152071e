package models

import "time"

type QueueState struct {
	OfficeID       string    `json:"office_id"`
	CurrentServing *int      `json:"current_serving"`
	Paused         bool      `json:"paused"`
	Closed         bool      `json:"closed"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s QueueState) ServingNumber() (int, bool) {
	if s.CurrentServing == nil {
		return 0, false
	}
	return *s.CurrentServing, true
}
