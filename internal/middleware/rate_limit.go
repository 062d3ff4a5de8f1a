package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/handlers"
	"github.com/0xarcano/UXWallet/internal/metrics"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimiter holds one token bucket per client IP. Buckets idle longer than
// limiterIdleTTL are evicted.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	visitors *ttlcache.Cache[string, *rate.Limiter]
	logger   logrus.FieldLogger
}

// NewRateLimiter starts the eviction loop; call Stop on shutdown.
func NewRateLimiter(cfg config.RateLimitConfig, logger logrus.FieldLogger) *RateLimiter {
	visitors := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](limiterIdleTTL),
	)
	go visitors.Start()

	return &RateLimiter{
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
		visitors: visitors,
		logger:   logger,
	}
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	item, _ := r.visitors.GetOrSet(key, rate.NewLimiter(r.limit, r.burst))
	return item.Value()
}

// Middleware rejects requests over the per-IP limit with RATE_LIMITED.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !r.limiterFor(ip).Allow() {
			metrics.RateLimited.Inc()
			r.logger.WithFields(logrus.Fields{
				"client_ip": ip,
				"path":      c.Request.URL.Path,
			}).Warn("⚠️ Rate limit exceeded")
			handlers.RespondError(c, apperr.New(apperr.CodeRateLimited, "Too many requests"))
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) Stop() {
	r.visitors.Stop()
}
