package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrBrokerUnavailable is returned while the Redis connection is down.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrJobNotFound is returned for ids the broker does not hold (never added, removed or purged).
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a worker reports on a job whose lease was reclaimed.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrDuplicateJob is returned when a caller-chosen job id already exists.
	ErrDuplicateJob = errors.New("duplicate job id")
	// ErrNotFailed is returned when retrying a job that is not in the failed state.
	ErrNotFailed = errors.New("job is not failed")
)

// isTransportError separates connection problems from Redis replies and caller cancellation.
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

// wrap labels transport failures as ErrBrokerUnavailable and flags the client as down.
func (c *Client) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransportError(err) {
		c.markDown(err)
		return fmt.Errorf("%s: %w: %v", op, ErrBrokerUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
