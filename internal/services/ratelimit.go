package services

import (
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per user. Buckets of idle users expire.
type RateLimiter struct {
	perMinute int
	mu        sync.Mutex
	buckets   *cache.Cache
}

// NewRateLimiter allows perMinute operations per user, with bursts up to perMinute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &RateLimiter{
		perMinute: perMinute,
		buckets:   cache.New(10*time.Minute, 5*time.Minute),
	}
}

// Allow reports whether the user may perform one more operation now.
func (rl *RateLimiter) Allow(userID uint) bool {
	return rl.limiter(userID).Allow()
}

func (rl *RateLimiter) limiter(userID uint) *rate.Limiter {
	key := strconv.FormatUint(uint64(userID), 10)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if v, ok := rl.buckets.Get(key); ok {
		l := v.(*rate.Limiter)
		rl.buckets.SetDefault(key, l)
		return l
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.perMinute)), rl.perMinute)
	rl.buckets.SetDefault(key, l)
	return l
}
