// Package bqconfig loads broker configuration from the environment using
// github.com/caarlos0/env, the way other pack services keep their runtime
// configuration declarative and struct-tagged rather than hand-parsed.
package bqconfig

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the environment-loaded options for configuring a Driver, a
// metrics exporter, and the admin HTTP/CLI surfaces. It has no option for a
// driver on/off gate, the metrics route (fixed at /metrics), a metrics
// middleware choice other than the IP allow-list, or a partition resolver.
type Config struct {
	// RedisAddr is the address of the backing KV (spec §6 "KV connection").
	RedisAddr     string `env:"BQ_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"BQ_REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"BQ_REDIS_DB" envDefault:"0"`

	// Prefix is the KV key prefix P (spec §3).
	Prefix string `env:"BQ_PREFIX" envDefault:"bq"`

	// Strategy selects the partition-selection strategy by name
	// (spec §4.2: "random", "round-robin", "smart").
	Strategy string `env:"BQ_STRATEGY" envDefault:"random"`

	// Limiter selects the concurrency limiter by name
	// (spec §4.3: "null", "simple", "adaptive").
	Limiter            string  `env:"BQ_LIMITER" envDefault:"null"`
	LimiterMaxConcurrent int64 `env:"BQ_LIMITER_MAX_CONCURRENT" envDefault:"10"`
	LimiterBaseLimit   int64   `env:"BQ_LIMITER_BASE_LIMIT" envDefault:"5"`
	LimiterMaxLimit    int64   `env:"BQ_LIMITER_MAX_LIMIT" envDefault:"50"`
	LimiterUtilizationThreshold float64 `env:"BQ_LIMITER_UTILIZATION_THRESHOLD" envDefault:"0.8"`
	LimiterLockTTLSeconds int64 `env:"BQ_LIMITER_LOCK_TTL_SECONDS" envDefault:"300"`

	// SmartFair weights, used only when Strategy == "smart".
	SmartWeightWaitTime     float64 `env:"BQ_SMART_WEIGHT_WAIT_TIME" envDefault:"0.6"`
	SmartWeightQueueSize    float64 `env:"BQ_SMART_WEIGHT_QUEUE_SIZE" envDefault:"0.4"`
	SmartSmallQueueThreshold int64  `env:"BQ_SMART_SMALL_QUEUE_THRESHOLD" envDefault:"5"`
	SmartBoostMultiplier    float64 `env:"BQ_SMART_BOOST_MULTIPLIER" envDefault:"1.5"`

	// PromoteIntervalSeconds is a poll interval for callers that start a
	// delayed-release promoter themselves (bq.Driver.StartPromoter). Nothing
	// in this module reads it or starts a promoter from it.
	PromoteIntervalSeconds int `env:"BQ_PROMOTE_INTERVAL_SECONDS" envDefault:"5"`

	// LogLevel is one of "none", "error", "warn", "info", "debug".
	LogLevel string `env:"BQ_LOG_LEVEL" envDefault:"info"`

	// HTTPAddr is the bind address for the admin/metrics HTTP surface
	// (spec §4.6/§4.7). Empty disables it.
	HTTPAddr string `env:"BQ_HTTP_ADDR" envDefault:":9090"`

	// IPWhitelistEnabled turns on the allow-list gate for the HTTP surface.
	// When false, AllowedCIDRs is ignored and every remote is served
	// (operator's responsibility to front this with a reverse proxy
	// otherwise). When true, AllowedCIDRs is consulted and an empty list
	// denies every remote — whitelist mode with nothing whitelisted is not
	// the same as whitelisting disabled (spec §4.7 scenario 7).
	IPWhitelistEnabled bool `env:"BQ_HTTP_IP_WHITELIST_ENABLED" envDefault:"false"`

	// AllowedCIDRs restricts the HTTP surface to matching remote addresses
	// when IPWhitelistEnabled is true (spec §4.7 "Security").
	AllowedCIDRs []string `env:"BQ_ALLOWED_CIDRS" envSeparator:","`

	// HTTPShutdownTimeoutSeconds bounds graceful shutdown of the admin
	// HTTP surface.
	HTTPShutdownTimeoutSeconds int `env:"BQ_HTTP_SHUTDOWN_TIMEOUT_SECONDS" envDefault:"10"`
}

// ShutdownTimeout returns HTTPShutdownTimeoutSeconds as a time.Duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.HTTPShutdownTimeoutSeconds) * time.Second
}

// Load reads Config from the process environment, applying envDefault tags
// for anything unset.
func Load() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("bqconfig: %w", err)
	}
	return c, nil
}

// StrategyConfig converts the Smart* fields into the map[string]any shape
// bq.WithStrategyName expects.
func (c *Config) StrategyConfig() map[string]any {
	return map[string]any{
		"weight_wait_time":      c.SmartWeightWaitTime,
		"weight_queue_size":     c.SmartWeightQueueSize,
		"small_queue_threshold": c.SmartSmallQueueThreshold,
		"boost_multiplier":      c.SmartBoostMultiplier,
	}
}

// LimiterConfig converts the Limiter* fields into the map[string]any shape
// bq.WithLimiterName expects.
func (c *Config) LimiterConfig() map[string]any {
	return map[string]any{
		"max_concurrent":         c.LimiterMaxConcurrent,
		"base_limit":             c.LimiterBaseLimit,
		"max_limit":              c.LimiterMaxLimit,
		"utilization_threshold":  c.LimiterUtilizationThreshold,
		"lock_ttl":               c.LimiterLockTTLSeconds,
	}
}
