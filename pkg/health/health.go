package health

import (
	"time"
)

type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Thresholds map the age of the last successful contact with a resource to a
// health status.
type Thresholds struct {
	Degraded  time.Duration
	Unhealthy time.Duration
}

var DefaultThresholds = Thresholds{
	Degraded:  5 * time.Second,
	Unhealthy: 10 * time.Second,
}

func (t Thresholds) Classify(age time.Duration) Status {
	switch {
	case age < t.Degraded:
		return StatusHealthy
	case age < t.Unhealthy:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// ClassifySince classifies a resource last seen at lastSeen. A resource which
// was never seen is unhealthy.
func (t Thresholds) ClassifySince(lastSeen, now time.Time) Status {
	if lastSeen.IsZero() {
		return StatusUnhealthy
	}

	return t.Classify(now.Sub(lastSeen))
}

func Classify(lastSeen, now time.Time) Status {
	return DefaultThresholds.ClassifySince(lastSeen, now)
}
