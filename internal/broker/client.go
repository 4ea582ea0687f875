package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"social-job-orchestrator/internal/config"
	"social-job-orchestrator/internal/ratelimit"
)

// Options tune a Client independently of the Redis connection.
type Options struct {
	// Prefix namespaces every key. Defaults to "jobq".
	Prefix string
	// HealthInterval is how often the monitor pings Redis while it is up.
	HealthInterval time.Duration
	// MaxReconnectBackoff caps the delay between pings while Redis is down.
	MaxReconnectBackoff time.Duration
	Logger              *slog.Logger
}

// Client is the only component that talks to Redis. Queues, worker pools and
// the admin surface go through its methods.
type Client struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
	log    *slog.Logger

	available atomic.Bool
	mu        sync.Mutex
	upCh      chan struct{}
	buckets   sync.Map
}

// New builds a client from config. It does not dial; connection problems surface as
// ErrBrokerUnavailable from individual calls and are tracked by Monitor.
func New(cfg config.Config, opts Options) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.RedisTimeout,
		ReadTimeout:  cfg.RedisTimeout,
		WriteTimeout: cfg.RedisTimeout,
		MaxRetries:   1,
	})
	return NewWithRedis(rdb, opts)
}

// NewWithRedis wraps an existing Redis client.
func NewWithRedis(rdb redis.UniversalClient, opts Options) *Client {
	if opts.Prefix == "" {
		opts.Prefix = "jobq"
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.MaxReconnectBackoff == 0 {
		opts.MaxReconnectBackoff = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		rdb:    rdb,
		prefix: opts.Prefix,
		opts:   opts,
		log:    opts.Logger.With("component", "broker"),
		upCh:   make(chan struct{}),
	}
	c.available.Store(true)
	close(c.upCh)
	return c
}

// Ping checks the connection once and updates availability.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return c.wrap("ping", err)
	}
	c.markUp()
	return nil
}

// Available reports whether the last interaction with Redis succeeded.
func (c *Client) Available() bool {
	return c.available.Load()
}

// WaitAvailable blocks until the broker is reachable again or ctx ends.
func (c *Client) WaitAvailable(ctx context.Context) error {
	c.mu.Lock()
	ch := c.upCh
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Monitor pings Redis until ctx is cancelled. While Redis is down the ping interval
// grows exponentially up to MaxReconnectBackoff; go-redis redials on the next command.
func (c *Client) Monitor(ctx context.Context) {
	wait := c.opts.HealthInterval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, c.opts.HealthInterval)
		err := c.Ping(pingCtx)
		cancel()
		if err == nil {
			wait = c.opts.HealthInterval
			continue
		}
		if ctx.Err() != nil {
			return
		}
		wait *= 2
		if wait > c.opts.MaxReconnectBackoff {
			wait = c.opts.MaxReconnectBackoff
		}
		c.log.Warn("broker ping failed", "error", err, "retry_in", wait)
	}
}

// Close releases the Redis connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) markDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.available.Load() {
		return
	}
	c.available.Store(false)
	c.upCh = make(chan struct{})
	c.log.Error("broker connection lost", "error", err)
}

func (c *Client) markUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.available.Load() {
		return
	}
	c.available.Store(true)
	close(c.upCh)
	c.log.Info("broker connection restored")
}

// Allow consumes one token from the named bucket. Buckets are shared by every
// process using the same Redis.
func (c *Client) Allow(ctx context.Context, name string, capacity int, refillPerSecond float64) (bool, error) {
	if !c.Available() {
		return false, ErrBrokerUnavailable
	}
	bucket := c.bucket(c.bucketKey(name), capacity, refillPerSecond)
	allowed, _, err := bucket.Allow(ctx)
	if err != nil {
		return false, c.wrap("rate limit", err)
	}
	return allowed, nil
}

// AllowDispatch consumes one token from a queue's dispatch limiter.
func (c *Client) AllowDispatch(ctx context.Context, queue string, rl config.RateLimit) (bool, error) {
	bucket := c.bucket(c.keysFor(queue).limiter(), rl.Max, float64(rl.Max)/rl.Per.Seconds())
	allowed, _, err := bucket.Allow(ctx)
	if err != nil {
		return false, c.wrap("dispatch limit", err)
	}
	return allowed, nil
}

func (c *Client) bucket(key string, capacity int, refill float64) *ratelimit.TokenBucket {
	if b, ok := c.buckets.Load(key); ok {
		return b.(*ratelimit.TokenBucket)
	}
	b, _ := c.buckets.LoadOrStore(key, ratelimit.NewTokenBucket(c.rdb, key, capacity, refill, time.Hour))
	return b.(*ratelimit.TokenBucket)
}
