package jobs

// Health is derived from the most recent runs of a job type and never stored.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// healthWindow is how many recent runs feed the classification.
const healthWindow = 3

// Evaluate classifies the newest runs (most-recent-first). Only terminal runs
// among the first three count: 0 failures is healthy, 1 degraded, 2+ unhealthy.
func Evaluate(recent []Run) Health {
	if len(recent) > healthWindow {
		recent = recent[:healthWindow]
	}
	failures := 0
	for _, r := range recent {
		if r.Status == StatusError {
			failures++
		}
	}
	switch {
	case failures == 0:
		return Healthy
	case failures == 1:
		return Degraded
	default:
		return Unhealthy
	}
}
