package models

import "time"

type LiveView struct {
	Office       Office      `json:"office"`
	State        QueueState  `json:"state"`
	Serving      *QueueToken `json:"serving,omitempty"`
	WaitingCount int         `json:"waiting_count"`
	Upcoming     []int       `json:"upcoming"`
	Token        *TokenView  `json:"token,omitempty"`
	GeneratedAt  time.Time   `json:"generated_at"`
}

type TokenView struct {
	Token                QueueToken `json:"token"`
	PositionAhead        int        `json:"position_ahead"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
	EstimatedServeAt     time.Time  `json:"estimated_serve_at"`
	WaitLabel            string     `json:"wait_label"`
}
