package master

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// loggingMiddleware logs every RPC call structurally, matching the
// teacher's gin.LoggerWithFormatter usage in pkg/api/middleware.go.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(p gin.LogFormatterParams) string {
		s.logger.Info("rpc call",
			"method", p.Method,
			"path", p.Path,
			"status", p.StatusCode,
			"latency", p.Latency,
			"client_ip", p.ClientIP,
		)
		return ""
	})
}

// corsMiddleware is a no-op when CORS is disabled, matching the
// dashboards-only use case: most deployments only need it if a browser
// dashboard is served from a different origin than the RPC surface.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	if !s.cfg.API.Cors.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	cfg := cors.Config{
		AllowOrigins:     s.cfg.API.Cors.AllowedOrigins,
		AllowMethods:     s.cfg.API.Cors.AllowedMethods,
		AllowHeaders:     s.cfg.API.Cors.AllowedHeaders,
		AllowCredentials: s.cfg.API.Cors.AllowCredentials,
		MaxAge:           time.Duration(s.cfg.API.Cors.MaxAge) * time.Second,
	}
	if len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*" {
		cfg.AllowAllOrigins = true
		cfg.AllowOrigins = nil
	}
	return cors.New(cfg)
}

// rateLimitMiddleware caps RPC calls per worker node rather than per IP:
// many workers legitimately share a NAT'd IP in a Kubernetes cluster, so
// the teacher's per-IP limiter (pkg/api/middleware.go) is keyed here on
// the caller's node id query parameter instead, falling back to IP when
// absent (unauthenticated health/metrics traffic).
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	limiters := make(map[string]*rate.Limiter)
	var mu sync.Mutex

	return func(c *gin.Context) {
		key := c.Query("node_id")
		if key == "" {
			key = c.ClientIP()
		}

		mu.Lock()
		limiter, ok := limiters[key]
		if !ok {
			perSecond := rate.Limit(s.cfg.API.RateLimit.RequestsPer) / rate.Limit(s.cfg.API.RateLimit.Duration.Seconds())
			limiter = rate.NewLimiter(perSecond, s.cfg.API.RateLimit.BurstSize)
			limiters[key] = limiter
		}
		mu.Unlock()

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"retry_after": int(s.cfg.API.RateLimit.Duration.Seconds()),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
