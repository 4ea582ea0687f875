package processors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"social-job-orchestrator/internal/models"
	"social-job-orchestrator/internal/worker"
)

const JobTypePublish = "post.publish"

// PublishRequest is the payload of a post.publish job.
type PublishRequest struct {
	PostID    string   `json:"post_id"`
	Platform  string   `json:"platform"`
	AccountID string   `json:"account_id"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

// Publisher pushes a post to one social platform and returns the platform's id for it.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (externalID string, err error)
}

// PostProcessor publishes scheduled posts through the publisher of their platform.
type PostProcessor struct {
	publishers map[string]Publisher
}

func NewPostProcessor(publishers map[string]Publisher) *PostProcessor {
	normalized := make(map[string]Publisher, len(publishers))
	for name, p := range publishers {
		normalized[strings.ToLower(name)] = p
	}
	return &PostProcessor{publishers: normalized}
}

func (p *PostProcessor) Register(mux *worker.TypeMux) error {
	return worker.Handle(mux, JobTypePublish, p.Publish)
}

func (p *PostProcessor) Publish(ctx context.Context, job *worker.Job, req PublishRequest) models.JobResult {
	if req.PostID == "" {
		return worker.Fail(worker.Unrecoverable(errors.New("post_id is required")))
	}
	pub, ok := p.publishers[strings.ToLower(req.Platform)]
	if !ok {
		return worker.Fail(worker.Unrecoverable(fmt.Errorf("no publisher for platform %q", req.Platform)))
	}
	externalID, err := pub.Publish(ctx, req)
	if err != nil {
		return worker.Fail(classify(fmt.Errorf("publish post %s to %s: %w", req.PostID, req.Platform, err)))
	}
	return models.Succeeded(map[string]string{"post_id": req.PostID, "external_id": externalID})
}

// LogPublisher only logs posts; binaries use it until a platform client is wired in.
type LogPublisher struct {
	Log *slog.Logger
}

func (l LogPublisher) Publish(_ context.Context, req PublishRequest) (string, error) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("publish post", "post_id", req.PostID, "platform", req.Platform, "account_id", req.AccountID, "media", len(req.MediaURLs))
	return "log-" + req.PostID, nil
}
