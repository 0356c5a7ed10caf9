package middleware

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/chatforge-app/chatforge/internal/pkg/metrics"
	"github.com/chatforge-app/chatforge/internal/pkg/ratelimit"
)

// GlobalRateLimitKey is the bucket shared by clients without X-Forwarded-For.
const GlobalRateLimitKey = "global"

// RateLimit rejects requests over the limiter's allowance with 429 and a
// Retry-After header. Limiter errors let the request through.
func RateLimit(route string, limiter ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := ClientKey(c)
		allowed, err := limiter.CheckAndIncrement(c.UserContext(), key)
		if err != nil {
			log.Warnf("[RateLimit] %s: limiter unavailable, allowing %s: %v", route, key, err)
			return c.Next()
		}
		if allowed {
			return c.Next()
		}

		metrics.RateLimitRejections.WithLabelValues(route).Inc()
		retry := int(math.Ceil(limiter.RetryAfter(time.Now()).Seconds()))
		if retry < 1 {
			retry = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":       "rate_limited",
			"message":     "too many requests, try again later",
			"retry_after": retry,
		})
	}
}

// ClientKey is the first X-Forwarded-For entry, or the global bucket.
func ClientKey(c *fiber.Ctx) string {
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	return GlobalRateLimitKey
}
