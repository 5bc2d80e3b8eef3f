// Package search tracks trending search terms.
package search

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxTermLength bounds a recorded term, in runes.
const MaxTermLength = 100

// Trending counts search terms in fixed windows and ranks them over the
// current and previous window.
type Trending struct {
	cache  domain.Cache
	clock  domain.Clock
	window time.Duration
	limit  int
}

// Term is a ranked search term.
type Term struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// NewTrending creates a tracker backed by cache.
func NewTrending(cache domain.Cache, clock domain.Clock, window time.Duration, limit int) *Trending {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if window <= 0 {
		window = time.Hour
	}
	if limit <= 0 {
		limit = 10
	}
	return &Trending{cache: cache, clock: clock, window: window, limit: limit}
}

// Normalize lower-cases term and collapses whitespace.
func Normalize(term string) string {
	return strings.ToLower(strings.Join(strings.Fields(term), " "))
}

// Record counts one search for term.
func (t *Trending) Record(ctx context.Context, term string) error {
	term = Normalize(term)
	if term == "" {
		return fmt.Errorf("%w: empty search term", domain.ErrInvalidInput)
	}
	if utf8.RuneCountInString(term) > MaxTermLength {
		return fmt.Errorf("%w: search term longer than %d characters", domain.ErrInvalidInput, MaxTermLength)
	}

	key := t.bucketKey(t.clock.Now())
	if err := t.cache.IncrementScore(ctx, key, term, 1, 2*t.window); err != nil {
		return domain.Infra("record search term", err)
	}
	return nil
}

// Top returns the most searched terms, highest first. Ties order by term.
func (t *Trending) Top(ctx context.Context) ([]Term, error) {
	now := t.clock.Now()
	totals := make(map[string]float64)

	for _, at := range []time.Time{now, now.Add(-t.window)} {
		members, err := t.cache.TopScores(ctx, t.bucketKey(at), 0)
		if err != nil {
			return nil, domain.Infra("read trending terms", err)
		}
		for _, m := range members {
			totals[m.Member] += m.Score
		}
	}

	out := make([]Term, 0, len(totals))
	for term, score := range totals {
		out = append(out, Term{Term: term, Count: int64(score)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > t.limit {
		out = out[:t.limit]
	}
	return out, nil
}

func (t *Trending) bucketKey(at time.Time) string {
	bucket := at.UTC().Truncate(t.window).Unix()
	return "trending:" + strconv.FormatInt(bucket, 10)
}
