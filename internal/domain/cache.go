package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically increments a counter and returns new value.
	// The window starts with the first increment.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// IncrementScore adds by to member's score in the ranked set at key.
	// The set expires ttl after its first write.
	IncrementScore(ctx context.Context, key, member string, by float64, ttl time.Duration) error

	// TopScores returns up to n members of the ranked set at key, highest first.
	TopScores(ctx context.Context, key string, n int) ([]ScoredMember, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ScoredMember is one entry of a ranked set.
type ScoredMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// Clock abstracts time for expiry decisions.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `yaml:"local_max_size"`
	LocalTTL     time.Duration `yaml:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `yaml:"enable_two_phase"` // If true, check local first, then Redis

	// RiskRecordTTL bounds how long an assessed record is served from cache.
	RiskRecordTTL time.Duration `yaml:"risk_record_ttl"`
}
