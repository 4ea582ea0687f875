package models

import (
	"fmt"
	"time"
)

// BackoffType selects how the delay between attempts grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// Backoff configures the delay applied before a failed job is retried.
type Backoff struct {
	Type   BackoffType   `json:"type"`
	Delay  time.Duration `json:"delay"`
	Max    time.Duration `json:"max,omitempty"`
	Jitter bool          `json:"jitter,omitempty"`
}

// Retention says how many terminal jobs stay inspectable.
// Negative keeps everything, zero removes the job as soon as it finishes,
// N keeps the newest N jobs of that state.
type Retention struct {
	KeepCompleted int `json:"keep_completed"`
	KeepFailed    int `json:"keep_failed"`
}

// JobOptions is the effective option set of a job after defaults and call-site overrides are merged.
type JobOptions struct {
	MaxAttempts int       `json:"max_attempts"`
	Backoff     Backoff   `json:"backoff"`
	Retention   Retention `json:"retention"`
	Priority    int       `json:"priority"`
	// JobID replaces the generated id. Adding a job whose id already exists is rejected.
	JobID string `json:"job_id,omitempty"`
}

// DefaultJobOptions are used when neither configuration nor the caller says otherwise.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		MaxAttempts: 3,
		Backoff: Backoff{
			Type:  BackoffExponential,
			Delay: 2 * time.Second,
			Max:   5 * time.Minute,
		},
		Retention: Retention{
			KeepCompleted: 100,
			KeepFailed:    1000,
		},
	}
}

// Validate checks the merged options before a job is handed to the broker.
func (o JobOptions) Validate() error {
	if o.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", o.MaxAttempts)
	}
	if o.Priority < 0 || o.Priority > MaxPriority {
		return fmt.Errorf("priority must be between 0 and %d, got %d", MaxPriority, o.Priority)
	}
	switch o.Backoff.Type {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff type %q", o.Backoff.Type)
	}
	if o.Backoff.Delay < 0 {
		return fmt.Errorf("backoff delay must not be negative")
	}
	return nil
}

// ParseBackoffType accepts the configuration spelling of a backoff strategy.
func ParseBackoffType(s string) (BackoffType, error) {
	switch t := BackoffType(s); t {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return t, nil
	}
	return "", fmt.Errorf("unknown backoff type %q", s)
}
