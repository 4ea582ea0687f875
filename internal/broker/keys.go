package broker

import "fmt"

// keys names every Redis key that belongs to one queue.
type keys struct {
	prefix string
	queue  string
}

func (c *Client) keysFor(queue string) keys {
	return keys{prefix: c.prefix, queue: queue}
}

func (k keys) base() string {
	return fmt.Sprintf("%s:{%s}:", k.prefix, k.queue)
}

// jobPrefix is concatenated with a job id inside scripts.
func (k keys) jobPrefix() string    { return k.base() + "job:" }
func (k keys) job(id string) string { return k.jobPrefix() + id }
func (k keys) wait() string         { return k.base() + "wait" }
func (k keys) delayed() string      { return k.base() + "delayed" }
func (k keys) active() string       { return k.base() + "active" }
func (k keys) completed() string    { return k.base() + "completed" }
func (k keys) failed() string       { return k.base() + "failed" }
func (k keys) meta() string         { return k.base() + "meta" }
func (k keys) seq() string          { return k.base() + "seq" }
func (k keys) events() string       { return k.base() + "events" }
func (k keys) limiter() string      { return k.base() + "limiter" }

func (c *Client) queuesKey() string {
	return c.prefix + ":queues"
}

func (c *Client) bucketKey(name string) string {
	return c.prefix + ":bucket:" + name
}
