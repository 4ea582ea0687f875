package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"social-job-orchestrator/internal/models"
)

// Publish sends a lifecycle event on the queue's channel. Subscribers in any
// process sharing the Redis instance receive it.
func (c *Client) Publish(ctx context.Context, ev models.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.wrap("publish event", c.rdb.Publish(ctx, c.keysFor(ev.Queue).events(), raw).Err())
}

// Subscribe opens a pub-sub connection for the given queues' event channels.
func (c *Client) Subscribe(ctx context.Context, queues ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, c.eventChannels(queues)...)
}

// AddSubscription extends an open subscription with more queues.
func (c *Client) AddSubscription(ctx context.Context, ps *redis.PubSub, queues ...string) error {
	return c.wrap("subscribe", ps.Subscribe(ctx, c.eventChannels(queues)...))
}

// DecodeEvent parses a pub-sub message published by Publish.
func DecodeEvent(msg *redis.Message) (models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return ev, fmt.Errorf("decode event on %s: %w", msg.Channel, err)
	}
	return ev, nil
}

func (c *Client) eventChannels(queues []string) []string {
	out := make([]string, 0, len(queues))
	for _, q := range queues {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		out = append(out, c.keysFor(q).events())
	}
	return out
}
