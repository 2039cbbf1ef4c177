// Package config loads the process configuration: a YAML file plus a small
// set of LANEQ_* environment overrides for connection settings. All
// validation errors are fatal at startup; the router never runs with a lane
// table or strategy it cannot trust.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	laneq "github.com/laneq/laneq-go"
	"gopkg.in/yaml.v3"
)

// Lane is one lane declaration.
type Lane struct {
	Name string `yaml:"name"`
	// Capacity is the lane budget in requests per rolling minute.
	Capacity int `yaml:"capacity"`
}

// Redis holds the shared-store and broker connection settings.
type Redis struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// RateLimit holds the two-tier rate limiter settings.
type RateLimit struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
	// WindowMs is the sliding window width. Defaults to 60000.
	WindowMs int64 `yaml:"window_ms"`
	// DispatcherPrefix and WorkerPrefix are the two key namespaces. They
	// must differ, or the tiers would share counters.
	DispatcherPrefix string `yaml:"dispatcher_prefix"`
	WorkerPrefix     string `yaml:"worker_prefix"`
}

// Config is the full process configuration, read once at startup.
type Config struct {
	Redis Redis `yaml:"redis"`

	IntakeQueue     string `yaml:"intake_queue"`
	DeadLetterQueue string `yaml:"dead_letter_queue"`
	ResultsQueue    string `yaml:"results_queue"`

	Lanes       []Lane   `yaml:"lanes"`
	DefaultLane string   `yaml:"default_lane"`
	Available   []string `yaml:"available_lanes"`

	Strategy  string         `yaml:"strategy"`
	FixedLane string         `yaml:"fixed_lane"`
	Priority  []string       `yaml:"priority"`
	Weights   map[string]int `yaml:"weights"`

	RateLimit RateLimit `yaml:"rate_limit"`

	// DelayMs is how long a rate-denied job sits in its delay queue.
	DelayMs int64 `yaml:"delay_ms"`

	// WorkerLane is the lane a worker process binds to.
	WorkerLane string `yaml:"worker_lane"`
	// ProviderURL is the external analysis provider endpoint the worker
	// posts payloads to.
	ProviderURL string `yaml:"provider_url"`

	Concurrency int   `yaml:"concurrency"`
	LeaseMs     int64 `yaml:"lease_ms"`
	DrainMs     int64 `yaml:"drain_ms"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.IntakeQueue == "" {
		c.IntakeQueue = "intake"
	}
	if c.DeadLetterQueue == "" {
		c.DeadLetterQueue = "deadletter"
	}
	if c.ResultsQueue == "" {
		c.ResultsQueue = "results"
	}
	if c.Strategy == "" {
		c.Strategy = string(laneq.StrategyFixed)
	}
	if c.RateLimit.WindowMs <= 0 {
		c.RateLimit.WindowMs = 60_000
	}
	if c.RateLimit.DispatcherPrefix == "" {
		c.RateLimit.DispatcherPrefix = "laneq:dispatch"
	}
	if c.RateLimit.WorkerPrefix == "" {
		c.RateLimit.WorkerPrefix = "laneq:work"
	}
	if c.DelayMs <= 0 {
		c.DelayMs = 30_000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LeaseMs <= 0 {
		c.LeaseMs = 60_000
	}
	if c.DrainMs <= 0 {
		c.DrainMs = 10_000
	}
	if len(c.Available) == 0 {
		for _, l := range c.Lanes {
			c.Available = append(c.Available, l.Name)
		}
	}
}

func (c *Config) applyEnv() {
	c.Redis.Addr = getEnv("LANEQ_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("LANEQ_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("LANEQ_REDIS_DB", c.Redis.DB)
	c.MetricsAddr = getEnv("LANEQ_METRICS_ADDR", c.MetricsAddr)
	c.WorkerLane = getEnv("LANEQ_WORKER_LANE", c.WorkerLane)
	c.ProviderURL = getEnv("LANEQ_PROVIDER_URL", c.ProviderURL)
}

// Validate checks everything both process kinds need. Worker processes must
// additionally pass ValidateWorker.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if len(c.Lanes) == 0 {
		return fmt.Errorf("config: at least one lane is required")
	}
	if c.DefaultLane == "" {
		return fmt.Errorf("config: default_lane is required")
	}
	if _, err := laneq.ParseStrategy(c.Strategy); err != nil {
		return fmt.Errorf("config: strategy %q: %w", c.Strategy, err)
	}
	if c.RateLimit.DispatcherPrefix == c.RateLimit.WorkerPrefix {
		return fmt.Errorf("config: dispatcher and worker rate-limit prefixes must differ")
	}
	// BuildLanes and BuildSelector re-run the lane cross checks; doing it
	// here keeps all startup failures in one place.
	lanes, err := c.BuildLanes()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.BuildSelector(lanes); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, name := range c.Available {
		if _, ok := lanes.Get(name); !ok {
			return fmt.Errorf("config: available lane %q is not configured", name)
		}
	}
	return nil
}

// ValidateWorker enforces the one-worker-one-lane invariant.
func (c *Config) ValidateWorker() error {
	if c.WorkerLane == "" {
		return fmt.Errorf("config: worker_lane is required for worker processes")
	}
	lanes, err := c.BuildLanes()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, ok := lanes.Get(c.WorkerLane); !ok {
		return fmt.Errorf("config: worker_lane %q is not configured", c.WorkerLane)
	}
	return nil
}

// BuildLanes converts the lane declarations into the routing lane table.
func (c *Config) BuildLanes() (*laneq.Lanes, error) {
	lanes := make([]laneq.Lane, 0, len(c.Lanes))
	for _, l := range c.Lanes {
		lanes = append(lanes, laneq.Lane{
			Name:     l.Name,
			Capacity: l.Capacity,
			DelayTTL: time.Duration(c.DelayMs) * time.Millisecond,
		})
	}
	return laneq.NewLanes(c.DefaultLane, lanes...)
}

// BuildSelector converts the strategy settings into a selector.
func (c *Config) BuildSelector(lanes *laneq.Lanes) (*laneq.Selector, error) {
	strategy, err := laneq.ParseStrategy(c.Strategy)
	if err != nil {
		return nil, err
	}
	return laneq.NewSelector(laneq.SelectorConfig{
		Strategy:  strategy,
		FixedLane: c.FixedLane,
		Priority:  c.Priority,
		Weights:   c.Weights,
	}, lanes)
}

// RateLimitEnabled reports whether the limiter should be live.
func (c *Config) RateLimitEnabled() bool {
	return c.RateLimit.Enabled == nil || *c.RateLimit.Enabled
}

// Window returns the sliding window width.
func (c *Config) Window() time.Duration {
	return time.Duration(c.RateLimit.WindowMs) * time.Millisecond
}

// Lease returns the delivery lease duration.
func (c *Config) Lease() time.Duration { return time.Duration(c.LeaseMs) * time.Millisecond }

// Drain returns the graceful shutdown drain budget.
func (c *Config) Drain() time.Duration { return time.Duration(c.DrainMs) * time.Millisecond }

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
