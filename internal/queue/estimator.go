package queue

import (
	"fmt"
	"time"

	"qpro/queue-engine/internal/models"
)

const DefaultServiceMinutes = 5

// PositionAhead counts waiting tokens of the same office that are ahead of
// token in queue order.
func PositionAhead(tokens []models.QueueToken, token models.QueueToken) int {
	ahead := 0
	for _, other := range tokens {
		if other.OfficeID != token.OfficeID || other.TokenID == token.TokenID {
			continue
		}
		if other.Status == models.StatusWaiting && models.QueueOrderLess(other, token) {
			ahead++
		}
	}
	return ahead
}

func EstimatedWaitMinutes(positionAhead, avgServiceMins int) int {
	if positionAhead <= 0 {
		return 0
	}
	if avgServiceMins <= 0 {
		avgServiceMins = DefaultServiceMinutes
	}
	return positionAhead * avgServiceMins
}

func EstimatedClockTime(now time.Time, minutes int) time.Time {
	return now.Add(time.Duration(minutes) * time.Minute)
}

// FormatWait renders a wait in minutes for holders.
func FormatWait(minutes int) string {
	if minutes < 1 {
		return "Less than a minute"
	}
	if minutes < 60 {
		return fmt.Sprintf("~%d min", minutes)
	}
	h, m := minutes/60, minutes%60
	if m > 0 {
		return fmt.Sprintf("~%dh %dmin", h, m)
	}
	return fmt.Sprintf("~%dh", h)
}

type Estimate struct {
	PositionAhead int
	Minutes       int
	ServeAt       time.Time
	Label         string
}

type Estimator struct {
	DefaultServiceMinutes int
}

// AverageMinutes is the department's average service time, or the default
// when no department applies.
func (e Estimator) AverageMinutes(department *models.Department) int {
	if department != nil && department.AvgServiceTimeMins > 0 {
		return department.AvgServiceTimeMins
	}
	if e.DefaultServiceMinutes > 0 {
		return e.DefaultServiceMinutes
	}
	return DefaultServiceMinutes
}

func (e Estimator) Estimate(tokens []models.QueueToken, token models.QueueToken, department *models.Department, now time.Time) Estimate {
	if token.Status != models.StatusWaiting {
		return Estimate{ServeAt: now, Label: FormatWait(0)}
	}
	ahead := PositionAhead(tokens, token)
	minutes := EstimatedWaitMinutes(ahead, e.AverageMinutes(department))
	return Estimate{
		PositionAhead: ahead,
		Minutes:       minutes,
		ServeAt:       EstimatedClockTime(now, minutes),
		Label:         FormatWait(minutes),
	}
}
