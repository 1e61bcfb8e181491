package broadcast

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-worker token bucket holding one second of capacity.
//
// Waiters are served in arrival order, so jobs sharing a worker interleave
// fairly. A new bucket starts empty and fills at the configured rate.
type RateLimiter struct {
	lim *rate.Limiter
}

func NewRateLimiter(perSecond int) *RateLimiter {
	perSecond = max(perSecond, 1)
	lim := rate.NewLimiter(rate.Limit(perSecond), perSecond)
	lim.AllowN(time.Now(), perSecond)
	return &RateLimiter{lim: lim}
}

// Acquire blocks until a slot is free. It fails only when ctx ends first.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	return r.lim.Wait(ctx)
}

// SetCapacity changes rate and bucket size in place.
func (r *RateLimiter) SetCapacity(perSecond int) {
	perSecond = max(perSecond, 1)
	now := time.Now()
	r.lim.SetLimitAt(now, rate.Limit(perSecond))
	r.lim.SetBurstAt(now, perSecond)
}

func (r *RateLimiter) Capacity() int { return r.lim.Burst() }
