// Package velocity counts events per entity within a time window.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Limiter caps how many events one entity may produce per window.
// Counts live in the shared cache, so limits hold across instances when
// the cache is Redis-backed.
type Limiter struct {
	cache  domain.Cache
	scope  string
	window time.Duration
	max    int64
}

// NewLimiter creates a limiter for scope. max <= 0 disables limiting.
func NewLimiter(cache domain.Cache, scope string, window time.Duration, max int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		cache:  cache,
		scope:  scope,
		window: window,
		max:    int64(max),
	}
}

// Allow records one event for entityID and reports whether it is within
// the limit, along with the count in the current window.
func (l *Limiter) Allow(ctx context.Context, entityID string) (bool, int64, error) {
	if entityID == "" {
		return false, 0, fmt.Errorf("%w: entity id is required", domain.ErrInvalidInput)
	}
	if l.max <= 0 {
		return true, 0, nil
	}

	count, err := l.cache.IncrementCounter(ctx, l.key(entityID), l.window)
	if err != nil {
		return false, 0, domain.Infra("increment velocity counter", err)
	}
	return count <= l.max, count, nil
}

// Window returns the counting window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

func (l *Limiter) key(entityID string) string {
	return "velocity:" + l.scope + ":" + entityID
}
