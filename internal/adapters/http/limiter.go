package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ConnectLimiter caps upgrade attempts per client address over a sliding
// window.
type ConnectLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewConnectLimiter(limit int, interval time.Duration) *ConnectLimiter {
	return &ConnectLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *ConnectLimiter) Allow(key string) bool {
	if rl == nil || rl.limit <= 0 || rl.interval <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	fresh := rl.fresh(rl.history[key], now.Add(-rl.interval))
	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}
	rl.history[key] = append(fresh, now)
	return true
}

// Prune forgets addresses with no attempt inside the window.
func (rl *ConnectLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := rl.now().Add(-rl.interval)
	removed := 0
	for key, attempts := range rl.history {
		fresh := rl.fresh(attempts, windowStart)
		if len(fresh) == 0 {
			delete(rl.history, key)
			removed++
			continue
		}
		rl.history[key] = fresh
	}
	return removed
}

// Run prunes once per window until ctx is done.
func (rl *ConnectLimiter) Run(ctx context.Context) {
	if rl == nil || rl.interval <= 0 {
		return
	}
	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Prune(); n > 0 {
				log.Debug().Str("module", "adapters.http").Int("pruned", n).Msg("connect limiter pruned")
			}
		}
	}
}

func (rl *ConnectLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}

func (rl *ConnectLimiter) fresh(attempts []time.Time, windowStart time.Time) []time.Time {
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// Middleware answers 429 once a client address runs out of attempts.
func (rl *ConnectLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			log.Warn().Str("module", "adapters.http").Str("ip", c.ClientIP()).Msg("connect attempts exhausted")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
			return
		}
		c.Next()
	}
}
