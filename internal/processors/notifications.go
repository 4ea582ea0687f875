package processors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"social-job-orchestrator/internal/models"
	"social-job-orchestrator/internal/worker"
)

const JobTypeNotify = "notification.dispatch"

// Notification is the payload of a notification.dispatch job.
type Notification struct {
	Channel   string         `json:"channel"`
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Data      map[string]any `json:"data,omitempty"`
}

var notificationChannels = map[string]bool{"email": true, "push": true, "in_app": true}

// Sender delivers a notification and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, n Notification) (messageID string, err error)
}

type NotificationProcessor struct {
	sender Sender
}

func NewNotificationProcessor(sender Sender) *NotificationProcessor {
	return &NotificationProcessor{sender: sender}
}

func (p *NotificationProcessor) Register(mux *worker.TypeMux) error {
	return worker.Handle(mux, JobTypeNotify, p.Dispatch)
}

func (p *NotificationProcessor) Dispatch(ctx context.Context, job *worker.Job, n Notification) models.JobResult {
	if !notificationChannels[n.Channel] {
		return worker.Fail(worker.Unrecoverable(fmt.Errorf("unknown channel %q", n.Channel)))
	}
	if n.Recipient == "" || n.Template == "" {
		return worker.Fail(worker.Unrecoverable(errors.New("recipient and template are required")))
	}
	id, err := p.sender.Send(ctx, n)
	if err != nil {
		return worker.Fail(classify(fmt.Errorf("send %s notification: %w", n.Channel, err)))
	}
	return models.Succeeded(map[string]string{"message_id": id})
}

// LogSender only logs notifications.
type LogSender struct {
	Log *slog.Logger
}

func (l LogSender) Send(_ context.Context, n Notification) (string, error) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("send notification", "channel", n.Channel, "recipient", n.Recipient, "template", n.Template)
	return "log-" + n.Template, nil
}
