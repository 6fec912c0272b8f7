package middlewares

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTimeout   = 30 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	clients sync.Map // map[string]*ipLimiter
	now     func() time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{rps: rate.Limit(rps), burst: burst, now: time.Now}
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	v, ok := rl.clients.Load(ip)
	if !ok {
		v, _ = rl.clients.LoadOrStore(ip, &ipLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)})
	}
	il := v.(*ipLimiter)
	il.lastSeen.Store(rl.now().UnixNano())
	return il.limiter
}

// Run drops limiters for clients idle longer than limiterIdleTimeout until
// ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	t := time.NewTicker(limiterSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	cutoff := rl.now().Add(-limiterIdleTimeout).UnixNano()
	rl.clients.Range(func(key, val any) bool {
		if val.(*ipLimiter).lastSeen.Load() < cutoff {
			rl.clients.Delete(key)
		}
		return true
	})
}

// Middleware answers 429 once a client IP exceeds its budget.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiterFor(c.ClientIP()).Allow() {
			rateLimited.WithLabelValues(c.FullPath()).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"code":  "rate_limited",
			})
			return
		}
		c.Next()
	}
}
