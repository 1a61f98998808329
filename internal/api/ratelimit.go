package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// routeLimiter throttles outbound calls per route family so a burst of local
// activity (bulk trash, full resync) cannot trip the service's limits.
type routeLimiter struct {
	mu      sync.Mutex
	entries map[string]*routeBucket
}

type routeBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Route budgets. item_batch is deliberately the tightest: each call already
// carries up to 99 items.
var routeBudgets = map[string]struct {
	limit rate.Limit
	burst int
}{
	"share_keys": {limit: rate.Limit(2), burst: 4},
	"item_key":   {limit: rate.Limit(10), burst: 20},
	"item_write": {limit: rate.Limit(5), burst: 10},
	"item_batch": {limit: rate.Limit(1), burst: 2},
	"item_list":  {limit: rate.Limit(2), burst: 4},
	"events":     {limit: rate.Limit(2), burst: 4},
}

const routeBucketTTL = 10 * time.Minute

func newRouteLimiter() *routeLimiter {
	return &routeLimiter{entries: make(map[string]*routeBucket)}
}

func (r *routeLimiter) wait(ctx context.Context, route string) error {
	now := time.Now()
	r.mu.Lock()
	b := r.entries[route]
	if b == nil {
		budget, ok := routeBudgets[route]
		if !ok {
			budget.limit, budget.burst = rate.Limit(5), 10
		}
		b = &routeBucket{lim: rate.NewLimiter(budget.limit, budget.burst)}
		r.entries[route] = b
	}
	b.lastSeen = now
	for k, v := range r.entries {
		if now.Sub(v.lastSeen) > routeBucketTTL {
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()
	return b.lim.Wait(ctx)
}
