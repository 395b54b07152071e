package queue

import "time"

const serviceDayLayout = "2006-01-02"

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ServiceDay is the calendar date of t in the office's operating timezone.
func ServiceDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(serviceDayLayout)
}

// ValidServiceDay reports whether day is a YYYY-MM-DD date.
func ValidServiceDay(day string) bool {
	_, err := time.Parse(serviceDayLayout, day)
	return err == nil
}

// officeLocation resolves the office timezone, falling back when it is
// empty or unknown.
func officeLocation(name string, fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	if name == "" {
		return fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback
	}
	return loc
}
