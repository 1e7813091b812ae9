package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gatekit/ratelimit/limiter"
	"github.com/gin-gonic/gin"
)

// RateLimitConfig configures the admission-control middleware.
type RateLimitConfig struct {
	// Engine is the policy engine (required).
	Engine *limiter.Engine

	// Policy is the registered policy name checked per request
	// (required).
	Policy string

	// KeyFunc derives the limited scope from the request
	// (default: client IP).
	KeyFunc func(*gin.Context) string

	// Weight derives the request cost (default: 1).
	Weight func(*gin.Context) int64

	// ErrorHandler runs on engine errors (default: let the request
	// through; an unhealthy limiter must not take the API down).
	ErrorHandler func(*gin.Context, error)

	// RateLimitHandler renders the denial (default: 429 with a
	// Retry-After header).
	RateLimitHandler func(*gin.Context, *limiter.CheckResult)

	// SkipFunc bypasses the check for matching requests (optional).
	SkipFunc func(*gin.Context) bool

	// SkipPaths bypasses the check for exact path matches (optional).
	SkipPaths []string
}

// DefaultRateLimitConfig returns a config limiting by client IP.
func DefaultRateLimitConfig(engine *limiter.Engine, policy string) RateLimitConfig {
	return RateLimitConfig{
		Engine:  engine,
		Policy:  policy,
		KeyFunc: KeyByIP,
		ErrorHandler: func(c *gin.Context, err error) {
			c.Next()
		},
		RateLimitHandler: denyWithRetryAfter,
	}
}

// RateLimit creates an admission middleware checking the named policy
// against the client IP.
//
// Usage:
//
//	engine.Use(middleware.RateLimit(rl, "api_per_ip"))
//
//	cfg := middleware.DefaultRateLimitConfig(rl, "api_per_user")
//	cfg.KeyFunc = middleware.KeyByUser("user_id")
//	cfg.SkipPaths = []string{"/health", "/metrics"}
//	engine.Use(middleware.RateLimitWithConfig(cfg))
func RateLimit(engine *limiter.Engine, policy string) gin.HandlerFunc {
	return RateLimitWithConfig(DefaultRateLimitConfig(engine, policy))
}

// RateLimitWithConfig creates an admission middleware from an explicit
// configuration.
func RateLimitWithConfig(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Engine == nil {
		panic("RateLimitConfig.Engine cannot be nil")
	}
	if cfg.Policy == "" {
		panic("RateLimitConfig.Policy cannot be empty")
	}

	if cfg.KeyFunc == nil {
		cfg.KeyFunc = KeyByIP
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c *gin.Context, err error) {
			c.Next()
		}
	}
	if cfg.RateLimitHandler == nil {
		cfg.RateLimitHandler = denyWithRetryAfter
	}

	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		if !cfg.Engine.IsEnabled() {
			c.Next()
			return
		}
		if skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}
		if cfg.SkipFunc != nil && cfg.SkipFunc(c) {
			c.Next()
			return
		}

		weight := int64(1)
		if cfg.Weight != nil {
			weight = cfg.Weight(c)
		}

		res, err := cfg.Engine.Check(c.Request.Context(), cfg.Policy, cfg.KeyFunc(c), weight, map[string]string{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		})
		if err != nil {
			cfg.ErrorHandler(c, err)
			return
		}

		if !res.Allowed {
			cfg.RateLimitHandler(c, res)
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		if !res.ResetAt.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		}
		c.Next()
	}
}

func denyWithRetryAfter(c *gin.Context, res *limiter.CheckResult) {
	seconds := int64(res.RetryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.FormatInt(seconds, 10))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate limit exceeded",
		"limit":       res.LimitName,
		"retry_after": seconds,
	})
	c.Abort()
}

// KeyByIP scopes the limit to the client IP.
func KeyByIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByEndpoint scopes the limit to method and route, so every client
// shares one budget per endpoint.
func KeyByEndpoint(c *gin.Context) string {
	return fmt.Sprintf("%s:%s", c.Request.Method, c.FullPath())
}

// KeyByEndpointAndIP scopes the limit to the endpoint and client IP
// combination.
func KeyByEndpointAndIP(c *gin.Context) string {
	return fmt.Sprintf("%s:%s:%s", c.Request.Method, c.FullPath(), c.ClientIP())
}

// KeyByUser scopes the limit to the authenticated user stored under
// userIDKey in the request context.
//
// Usage:
//
//	cfg.KeyFunc = middleware.KeyByUser("user_id")
func KeyByUser(userIDKey string) func(*gin.Context) string {
	return func(c *gin.Context) string {
		userID, exists := c.Get(userIDKey)
		if !exists {
			return "anonymous"
		}
		return fmt.Sprintf("%v", userID)
	}
}

// KeyByAPIKey scopes the limit to the API key carried in the given
// header, falling back to the api_key query parameter.
func KeyByAPIKey(headerName string) func(*gin.Context) string {
	return func(c *gin.Context) string {
		apiKey := c.GetHeader(headerName)
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}
		if apiKey == "" {
			return "anonymous"
		}
		return apiKey
	}
}

// KeyGlobal scopes every request to one shared budget.
func KeyGlobal(*gin.Context) string {
	return "global"
}
