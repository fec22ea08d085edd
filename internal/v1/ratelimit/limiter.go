// Package ratelimit enforces the transport-level request limits, backed by
// Redis when configured and local memory otherwise. The chat service keeps
// its own tighter per-user window; this package covers everything else.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/auth"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/metrics"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// identityContextKey is where the auth middleware parks the resolved identity.
const identityContextKey = "identity"

// RateLimiter holds the per-surface limiter instances.
type RateLimiter struct {
	apiUser *limiter.Limiter
	apiIP   *limiter.Limiter
	wsIP    *limiter.Limiter
	wsUser  *limiter.Limiter
	store   limiter.Store
}

// New creates a RateLimiter. window/maxRequests define the per-user API
// budget; unauthenticated callers share a quarter of it per IP. A nil
// redisClient selects the in-memory store.
func New(window time.Duration, maxRequests int64, redisClient *redis.Client) (*RateLimiter, error) {
	if window <= 0 {
		window = time.Minute
	}
	if maxRequests <= 0 {
		maxRequests = 100
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "Rate limiter using memory store")
	}

	ipLimit := maxRequests / 4
	if ipLimit < 1 {
		ipLimit = 1
	}

	return &RateLimiter{
		apiUser: limiter.New(store, limiter.Rate{Period: window, Limit: maxRequests}),
		apiIP:   limiter.New(store, limiter.Rate{Period: window, Limit: ipLimit}),
		wsIP:    limiter.New(store, limiter.Rate{Period: window, Limit: 20}),
		wsUser:  limiter.New(store, limiter.Rate{Period: window, Limit: 10}),
		store:   store,
	}, nil
}

// Middleware enforces the API budget: per user when authenticated, per IP
// otherwise. Store failures fail open; availability beats strictness here.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var inst *limiter.Limiter
		var key, limitType string

		if id, ok := c.Get(identityContextKey); ok {
			inst = rl.apiUser
			key = string(id.(*auth.Identity).UserID)
			limitType = "user"
		} else {
			inst = rl.apiIP
			key = c.ClientIP()
			limitType = "ip"
		}

		ctx := c.Request.Context()
		lctx, err := inst.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "Too many requests",
				"retryAfter": lctx.Reset,
			})
			return
		}
		c.Next()
	}
}

// CheckWebSocketIP gates new subscription connections per source IP. It
// writes the 429 itself when the limit is hit.
func (rl *RateLimiter) CheckWebSocketIP(c *gin.Context) bool {
	ctx := c.Request.Context()
	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}

// CheckWebSocketUser gates new subscription connections per authenticated
// user, after credential resolution.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	lctx, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return nil
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("connection rate limit exceeded for user")
	}
	return nil
}
