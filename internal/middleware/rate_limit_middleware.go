package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RateLimitMiddleware throttles requests with Redis fixed-window counters.
// Trades get a tighter budget than reads: every buy or sell acquires the pool
// lock, so a single flooding user can starve everyone else.
type RateLimitMiddleware struct {
	redisClient *redis.Client
	config      *RateLimitConfig
	logger      *logrus.Logger
}

type RateLimitConfig struct {
	IPRequestsPerMinute    int
	UserRequestsPerMinute  int
	TradeRequestsPerMinute int
	WhitelistIPs           map[string]bool
}

func NewRateLimitMiddleware(redisClient *redis.Client, config *RateLimitConfig, logger *logrus.Logger) *RateLimitMiddleware {
	if config == nil {
		config = &RateLimitConfig{
			IPRequestsPerMinute:    120,
			UserRequestsPerMinute:  60,
			TradeRequestsPerMinute: 20,
			WhitelistIPs:           make(map[string]bool),
		}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &RateLimitMiddleware{
		redisClient: redisClient,
		config:      config,
		logger:      logger,
	}
}

type rateLimitInfo struct {
	Limit     int
	Remaining int
	ResetTime time.Time
}

// IPRateLimit throttles by client IP, before authentication
func (r *RateLimitMiddleware) IPRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if r.config.WhitelistIPs[clientIP] {
			c.Next()
			return
		}

		key := fmt.Sprintf("ratelimit:ip:%s", clientIP)
		r.enforce(c, key, r.config.IPRequestsPerMinute, "Too many requests from this IP. Please try again later.")
	}
}

// UserRateLimit throttles by authenticated user; unauthenticated requests
// pass through to the IP limiter
func (r *RateLimitMiddleware) UserRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			c.Next()
			return
		}

		key := fmt.Sprintf("ratelimit:user:%d", userID)
		r.enforce(c, key, r.config.UserRequestsPerMinute, "Too many requests for this user. Please try again later.")
	}
}

// TradeRateLimit throttles trade execution per user
func (r *RateLimitMiddleware) TradeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			c.Next()
			return
		}

		key := fmt.Sprintf("ratelimit:trade:%d", userID)
		r.enforce(c, key, r.config.TradeRequestsPerMinute, "Too many trades. Please slow down.")
	}
}

// enforce increments the window counter and rejects the request once the
// budget is spent. Redis errors fail open: rate limiting is protection, not
// a dependency.
func (r *RateLimitMiddleware) enforce(c *gin.Context, key string, limit int, message string) {
	now := time.Now()
	windowKey := fmt.Sprintf("%s:%d", key, now.Unix()/60)

	count, err := r.incrementAndGet(c.Request.Context(), windowKey, time.Minute)
	if err != nil {
		r.logger.WithError(err).Warn("Rate limit check failed, allowing request")
		c.Next()
		return
	}

	info := &rateLimitInfo{
		Limit:     limit,
		Remaining: limit - count,
		ResetTime: now.Truncate(time.Minute).Add(time.Minute),
	}
	r.setRateLimitHeaders(c, info)

	if count > limit {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "Rate limit exceeded",
			"message":     message,
			"retry_after": int(time.Until(info.ResetTime).Seconds()),
		})
		c.Abort()
		return
	}

	c.Next()
}

func (r *RateLimitMiddleware) incrementAndGet(ctx context.Context, key string, expiration time.Duration) (int, error) {
	pipe := r.redisClient.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return int(incr.Val()), nil
}

func (r *RateLimitMiddleware) setRateLimitHeaders(c *gin.Context, info *rateLimitInfo) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	remaining := info.Remaining
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
}
