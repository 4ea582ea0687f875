// Package processors holds the feature modules that run on the job queues:
// post publishing, analytics collection, notification dispatch and media
// processing. Delivery to third parties happens behind small interfaces so
// each module only turns a job into a call and a call outcome into a result.
package processors

import (
	"errors"

	"social-job-orchestrator/internal/worker"
)

// Queue names used by the dashboard.
const (
	QueuePosts         = "posts"
	QueueAnalytics     = "analytics"
	QueueNotifications = "notifications"
	QueueMedia         = "media"
)

// ErrPermanent may be wrapped by senders and publishers to say a retry cannot help,
// e.g. a revoked account token or an unknown recipient.
var ErrPermanent = errors.New("permanent failure")

// classify marks downstream errors wrapping ErrPermanent as unrecoverable.
func classify(err error) error {
	if errors.Is(err, ErrPermanent) {
		return worker.Unrecoverable(err)
	}
	return err
}
