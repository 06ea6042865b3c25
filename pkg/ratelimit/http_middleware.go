package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/metrics"
)

// HTTPMiddleware applies per-client rate limiting to HTTP handlers. The
// client key is the remote IP, preferring X-Forwarded-For when present.
type HTTPMiddleware struct {
	limiter *Limiter
	config  *Config
	logger  *logrus.Logger
}

// NewHTTPMiddleware creates HTTP rate limiting middleware.
func NewHTTPMiddleware(config *Config, logger *logrus.Logger) *HTTPMiddleware {
	if config == nil {
		config = DefaultConfig()
	}
	return &HTTPMiddleware{
		limiter: NewLimiter(config, logger),
		config:  config,
		logger:  logger,
	}
}

// Limiter exposes the underlying limiter for lifecycle control.
func (m *HTTPMiddleware) Limiter() *Limiter {
	return m.limiter
}

// Middleware wraps next with rate limiting. Rejected requests get 429.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	if !m.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := m.getClientIP(r)

		if !m.limiter.Allow(clientIP) {
			metrics.RecordRateLimitRejection(r.URL.Path)
			m.logger.WithFields(logrus.Fields{
				"client_ip": clientIP,
				"path":      r.URL.Path,
			}).Warn("Request rejected by rate limiter")

			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *HTTPMiddleware) getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
