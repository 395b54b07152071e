package models

import "time"

type Office struct {
	OfficeID  string    `json:"office_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Timezone  string    `json:"timezone,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Department struct {
	DepartmentID       string `json:"department_id"`
	OfficeID           string `json:"office_id"`
	Name               string `json:"name"`
	AvgServiceTimeMins int    `json:"avg_service_time_mins"`
	Active             bool   `json:"active"`
}

type OfficeStats struct {
	ServiceDay     string  `json:"service_day"`
	TotalToday     int     `json:"total_today"`
	Served         int     `json:"served"`
	Waiting        int     `json:"waiting"`
	Skipped        int     `json:"skipped"`
	AvgServiceTime float64 `json:"avg_service_time"`
}
