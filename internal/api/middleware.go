package api

import (
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/nghyane/llm-relay/internal/logging"
)

// ctxKeyAPIKey is the gin context key carrying the authenticated client
// key for usage attribution.
const ctxKeyAPIKey = "apiKey"

// corsMiddleware returns a Gin middleware handler that adds CORS headers
// to every response, allowing cross-origin requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// setupMiddleware configures all global middleware for the API server,
// in order: logging, recovery, extras, request logging, CORS. The
// returned toggle switches request logging at runtime, or is nil when
// the logger does not support it.
func (s *Server) setupMiddleware(
	requestLogger logging.RequestLogger,
	extraMiddleware []gin.HandlerFunc,
) func(bool) {
	s.engine.Use(logging.GinLogrusLogger())
	s.engine.Use(logging.GinLogrusRecovery())
	for _, mw := range extraMiddleware {
		s.engine.Use(mw)
	}

	var toggle func(bool)
	if requestLogger != nil {
		s.engine.Use(requestLoggingMiddleware(requestLogger))
		if setter, ok := requestLogger.(interface{ SetEnabled(bool) }); ok {
			toggle = setter.SetEnabled
		}
	}

	s.engine.Use(corsMiddleware())

	return toggle
}

// requestLoggingMiddleware feeds one entry per completed request to the
// request logger. The logger decides whether entries are kept.
func requestLoggingMiddleware(rl logging.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		entry := logging.RequestLogEntry{
			Time:     start,
			Method:   c.Request.Method,
			Path:     path,
			Status:   c.Writer.Status(),
			Latency:  time.Since(start).String(),
			ClientIP: c.ClientIP(),
			BodySize: c.Writer.Size(),
		}
		if len(c.Errors) > 0 {
			entry.Error = c.Errors.String()
		}
		rl.Log(entry)
	}
}

// apiKeyAuthMiddleware authenticates inbound clients against the
// configured API keys. The matched key lands in the context for usage
// attribution.
func (s *Server) apiKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.Config()
		if cfg.DisableAuth {
			c.Next()
			return
		}
		key := clientAPIKey(c)
		if key != "" {
			for _, want := range cfg.APIKeys {
				if key == want {
					c.Set(ctxKeyAPIKey, key)
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"code": "unauthorized", "message": "missing or invalid API key"},
		})
	}
}

// clientAPIKey pulls the client key from the Authorization bearer header
// or the x-api-key header.
func clientAPIKey(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.GetHeader("x-api-key"))
}

// rateLimitMiddleware throttles requests per client key with a token
// bucket. Unauthenticated clients are keyed by IP. Limiters are cached
// per key and rebuilt when the configured rate changes.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.Config()
		rps := cfg.RateLimit.RPS
		if rps <= 0 {
			c.Next()
			return
		}
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = int(math.Ceil(rps))
			if burst < 1 {
				burst = 1
			}
		}

		key := c.GetString(ctxKeyAPIKey)
		if key == "" {
			key = c.ClientIP()
		}
		if !s.limiterFor(key, rps, burst).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"code": "rate_limited", "message": "request rate limit exceeded"},
			})
			return
		}
		c.Next()
	}
}

type clientLimiter struct {
	lim   *rate.Limiter
	rps   float64
	burst int
}

func (s *Server) limiterFor(key string, rps float64, burst int) *rate.Limiter {
	if v, ok := s.limiters.Load(key); ok {
		cl := v.(*clientLimiter)
		if cl.rps == rps && cl.burst == burst {
			return cl.lim
		}
	}
	cl := &clientLimiter{
		lim:   rate.NewLimiter(rate.Limit(rps), burst),
		rps:   rps,
		burst: burst,
	}
	s.limiters.Store(key, cl)
	return cl.lim
}

// managementAvailabilityMiddleware returns middleware that checks if
// management routes are enabled. If management routes are disabled, it
// returns a 404 status.
func (s *Server) managementAvailabilityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.managementRoutesEnabled.Load() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		c.Next()
	}
}

// managementAuthMiddleware authenticates management calls against the
// configured secret key.
func (s *Server) managementAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.Config().Management.SecretKey
		key := clientAPIKey(c)
		if key == "" {
			key = strings.TrimSpace(c.GetHeader("x-management-key"))
		}
		if secret == "" || key != secret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "missing or invalid management key"},
			})
			return
		}
		c.Next()
	}
}
