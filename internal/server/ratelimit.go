package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientRateLimiter keeps one token bucket per client address. Buckets idle for a full window are discarded.
type clientRateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	limit     rate.Limit
	burst     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientRateLimiter(requests int, window time.Duration) *clientRateLimiter {
	if requests <= 0 || window <= 0 {
		return nil
	}
	return &clientRateLimiter{
		clients: make(map[string]*clientBucket),
		limit:   rate.Every(window / time.Duration(requests)),
		burst:   requests,
		window:  window,
		now:     time.Now,
	}
}

func (l *clientRateLimiter) allow(client string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.window {
		for key, bucket := range l.clients {
			if now.Sub(bucket.lastSeen) >= l.window {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}
	bucket, ok := l.clients[client]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = bucket
	}
	bucket.lastSeen = now
	l.mu.Unlock()

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, l.window
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *clientRateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := l.allow(c.ClientIP())
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": errorCodeRateLimited})
			return
		}
		c.Next()
	}
}
