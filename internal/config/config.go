package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"social-job-orchestrator/internal/models"
)

// RateLimit caps how many jobs a queue may start per Per.
type RateLimit struct {
	Max int
	Per time.Duration
}

// Config holds shared runtime configuration for the api, worker and jobctl binaries.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	PostgresDSN string

	DefaultJobOptions  models.JobOptions
	Concurrency        map[string]int
	RateLimits         map[string]RateLimit
	LeaseTimeout       time.Duration
	WorkerPollInterval time.Duration
	StalledInterval    time.Duration
	ShutdownGrace      time.Duration
	PromoteBatchSize   int

	SubmitRateCapacity int
	SubmitRateRefill   float64

	MediaOutputDir       string
	MediaDownloadTimeout time.Duration
	MediaMaxBytes        int64
	MediaDefaultWidth    int
	MediaDefaultHeight   int
	MediaS3Bucket        string
	MediaS3Region        string
	MediaS3Endpoint      string
	MediaS3PathStyle     bool

	// errs collects values that were present but could not be parsed.
	errs []error
}

// Load reads configuration from environment variables with sane defaults for local development.
// Values that are set but malformed are reported by Validate.
func Load() Config {
	c := Config{}
	c.Env = getEnv("APP_ENV", "dev")
	c.HTTPPort = getEnv("HTTP_PORT", "8080")
	c.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	c.RedisHost = getEnv("REDIS_HOST", "localhost")
	c.RedisPort = c.getEnvInt("REDIS_PORT", 6379)
	c.RedisPassword = getEnv("REDIS_PASSWORD", "")
	c.RedisDB = c.getEnvInt("REDIS_DB", 0)
	c.RedisTimeout = c.getEnvDuration("REDIS_TIMEOUT", 3*time.Second)

	c.PostgresDSN = getEnv("POSTGRES_DSN", "")

	def := models.DefaultJobOptions()
	def.MaxAttempts = c.getEnvInt("JOB_ATTEMPTS", def.MaxAttempts)
	if v := os.Getenv("JOB_BACKOFF_TYPE"); v != "" {
		t, err := models.ParseBackoffType(v)
		if err != nil {
			c.errs = append(c.errs, fmt.Errorf("JOB_BACKOFF_TYPE: %w", err))
		} else {
			def.Backoff.Type = t
		}
	}
	def.Backoff.Delay = c.getEnvDuration("JOB_BACKOFF_DELAY", def.Backoff.Delay)
	def.Backoff.Max = c.getEnvDuration("JOB_BACKOFF_MAX", def.Backoff.Max)
	def.Backoff.Jitter = c.getEnvBool("JOB_BACKOFF_JITTER", def.Backoff.Jitter)
	def.Retention.KeepCompleted = c.getEnvInt("JOB_REMOVE_ON_COMPLETE", def.Retention.KeepCompleted)
	def.Retention.KeepFailed = c.getEnvInt("JOB_REMOVE_ON_FAIL", def.Retention.KeepFailed)
	c.DefaultJobOptions = def

	c.Concurrency = c.getEnvConcurrency("QUEUE_CONCURRENCY")
	c.RateLimits = c.getEnvRateLimits("QUEUE_RATE_LIMITS")
	c.LeaseTimeout = c.getEnvDuration("LEASE_TIMEOUT", 30*time.Second)
	c.WorkerPollInterval = c.getEnvDuration("WORKER_POLL_INTERVAL", 250*time.Millisecond)
	c.StalledInterval = c.getEnvDuration("STALLED_INTERVAL", 5*time.Second)
	c.ShutdownGrace = c.getEnvDuration("SHUTDOWN_GRACE", 10*time.Second)
	c.PromoteBatchSize = c.getEnvInt("PROMOTE_BATCH_SIZE", 100)

	c.SubmitRateCapacity = c.getEnvInt("SUBMIT_RATE_CAPACITY", 50)
	c.SubmitRateRefill = c.getEnvFloat("SUBMIT_RATE_REFILL_PER_SEC", 20)

	c.MediaOutputDir = getEnv("MEDIA_OUTPUT_DIR", "./output")
	c.MediaDownloadTimeout = c.getEnvDuration("MEDIA_DOWNLOAD_TIMEOUT", 30*time.Second)
	c.MediaMaxBytes = int64(c.getEnvInt("MEDIA_MAX_BYTES", 25*1024*1024))
	c.MediaDefaultWidth = c.getEnvInt("MEDIA_DEFAULT_WIDTH", 1080)
	c.MediaDefaultHeight = c.getEnvInt("MEDIA_DEFAULT_HEIGHT", 0)
	c.MediaS3Bucket = getEnv("MEDIA_S3_BUCKET", "")
	c.MediaS3Region = getEnv("MEDIA_S3_REGION", "us-east-1")
	c.MediaS3Endpoint = getEnv("MEDIA_S3_ENDPOINT", "")
	c.MediaS3PathStyle = c.getEnvBool("MEDIA_S3_PATH_STYLE", false)
	return c
}

// Default returns the configuration Load would produce with an empty environment.
func Default() Config {
	return Config{
		Env:                  "dev",
		HTTPPort:             "8080",
		MetricsAddr:          ":9090",
		RedisHost:            "localhost",
		RedisPort:            6379,
		RedisTimeout:         3 * time.Second,
		DefaultJobOptions:    models.DefaultJobOptions(),
		Concurrency:          map[string]int{},
		RateLimits:           map[string]RateLimit{},
		LeaseTimeout:         30 * time.Second,
		WorkerPollInterval:   250 * time.Millisecond,
		StalledInterval:      5 * time.Second,
		ShutdownGrace:        10 * time.Second,
		PromoteBatchSize:     100,
		SubmitRateCapacity:   50,
		SubmitRateRefill:     20,
		MediaOutputDir:       "./output",
		MediaDownloadTimeout: 30 * time.Second,
		MediaMaxBytes:        25 * 1024 * 1024,
		MediaDefaultWidth:    1080,
		MediaS3Region:        "us-east-1",
	}
}

// RedisAddr joins host and port into a dialable address.
func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// ConcurrencyFor returns the configured worker count for a queue, falling back to 1.
func (c Config) ConcurrencyFor(queue string) int {
	if n, ok := c.Concurrency[queue]; ok && n > 0 {
		return n
	}
	return 1
}

// RateLimitFor returns the dispatch limit for a queue, if one is configured.
func (c Config) RateLimitFor(queue string) (RateLimit, bool) {
	rl, ok := c.RateLimits[queue]
	return rl, ok
}

// Validate reports configuration that must stop the process from starting.
func (c Config) Validate() error {
	errs := append([]error(nil), c.errs...)
	if strings.TrimSpace(c.RedisHost) == "" || strings.ContainsAny(c.RedisHost, " /") {
		errs = append(errs, fmt.Errorf("invalid redis host %q", c.RedisHost))
	}
	if c.RedisPort <= 0 || c.RedisPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid redis port %d", c.RedisPort))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid redis db %d", c.RedisDB))
	}
	if err := c.DefaultJobOptions.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("default job options: %w", err))
	}
	for q, n := range c.Concurrency {
		if n < 1 {
			errs = append(errs, fmt.Errorf("concurrency for queue %q must be positive, got %d", q, n))
		}
	}
	for q, rl := range c.RateLimits {
		if rl.Max < 1 || rl.Per <= 0 {
			errs = append(errs, fmt.Errorf("invalid rate limit for queue %q", q))
		}
	}
	if c.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("lease timeout must be positive"))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, errors.New("worker poll interval must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *Config) getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return i
	}
	return def
}

func (c *Config) getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return f
	}
	return def
}

func (c *Config) getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return b
	}
	return def
}

func (c *Config) getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return d
	}
	return def
}

// getEnvConcurrency parses "posts=2,notifications=5".
func (c *Config) getEnvConcurrency(key string) map[string]int {
	out := map[string]int{}
	for name, raw := range c.getEnvPairs(key) {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.errs = append(c.errs, fmt.Errorf("%s: queue %q: %w", key, name, err))
			continue
		}
		out[name] = n
	}
	return out
}

// getEnvRateLimits parses "posts=10/1s,analytics=100/1m".
func (c *Config) getEnvRateLimits(key string) map[string]RateLimit {
	out := map[string]RateLimit{}
	for name, raw := range c.getEnvPairs(key) {
		max, per, ok := strings.Cut(raw, "/")
		if !ok {
			c.errs = append(c.errs, fmt.Errorf("%s: queue %q: expected <max>/<duration>", key, name))
			continue
		}
		n, err := strconv.Atoi(max)
		if err != nil {
			c.errs = append(c.errs, fmt.Errorf("%s: queue %q: %w", key, name, err))
			continue
		}
		d, err := time.ParseDuration(per)
		if err != nil {
			c.errs = append(c.errs, fmt.Errorf("%s: queue %q: %w", key, name, err))
			continue
		}
		out[name] = RateLimit{Max: n, Per: d}
	}
	return out
}

func (c *Config) getEnvPairs(key string) map[string]string {
	out := map[string]string{}
	v := os.Getenv(key)
	if v == "" {
		return out
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		name, val = strings.TrimSpace(name), strings.TrimSpace(val)
		if !ok || name == "" || val == "" {
			c.errs = append(c.errs, fmt.Errorf("%s: malformed entry %q", key, part))
			continue
		}
		out[name] = val
	}
	return out
}
