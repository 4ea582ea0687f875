package scheduler

import "time"

// DelayUntil converts a requested execution time into the delay the broker
// should hold the job for. Past or missing times mean no delay.
func DelayUntil(scheduledFor *time.Time, now time.Time) time.Duration {
	if scheduledFor == nil {
		return 0
	}
	if d := scheduledFor.Sub(now); d > 0 {
		return d
	}
	return 0
}
