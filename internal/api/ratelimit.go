package api

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter throttles the analysis endpoints per client IP. Analyses fan
// out into ledger reads, so one noisy client must not starve the node.
//
// Each client gets its own rate.Limiter. Rejected requests receive 429 with
// a Retry-After header in whole seconds. Clients idle for clientIdleTTL are
// forgotten by a background sweep.
type RateLimiter struct {
	limit      rate.Limit
	burst      int
	ratePerMin int
	logger     *logrus.Logger

	mu      sync.Mutex
	clients map[string]*client
}

const clientIdleTTL = 10 * time.Minute

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows ratePerMin requests per minute per IP with the given
// burst. Non-positive values fall back to 30/min with a burst of 10.
func NewRateLimiter(ratePerMin, burst int, logger *logrus.Logger) *RateLimiter {
	if ratePerMin <= 0 {
		ratePerMin = 30
	}
	if burst <= 0 {
		burst = 10
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rl := &RateLimiter{
		limit:      rate.Every(time.Minute / time.Duration(ratePerMin)),
		burst:      burst,
		ratePerMin: ratePerMin,
		logger:     logger,
		clients:    make(map[string]*client),
	}
	go rl.sweep()
	return rl
}

// allow takes a token for ip, or reports how long until one is available
func (rl *RateLimiter) allow(ip string) (bool, time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	r := c.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Middleware enforces the limit on a route group
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		allowed, retryAfter := rl.allow(ip)
		if allowed {
			c.Next()
			return
		}

		seconds := int(retryAfter.Seconds())
		if time.Duration(seconds)*time.Second < retryAfter {
			seconds++
		}
		rl.logger.WithFields(logrus.Fields{
			"ip":   ip,
			"path": c.FullPath(),
		}).Debug("[API] Rate limit exceeded")

		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "Rate limit exceeded",
			"retryAfter": seconds,
			"limit":      fmt.Sprintf("%d requests/minute per IP", rl.ratePerMin),
		})
	}
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(clientIdleTTL)
	defer ticker.Stop()
	for now := range ticker.C {
		rl.evictIdle(now.Add(-clientIdleTTL))
	}
}

// evictIdle drops clients not seen since cutoff
func (rl *RateLimiter) evictIdle(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			evicted++
		}
	}
	return evicted
}
