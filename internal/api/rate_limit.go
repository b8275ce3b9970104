package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/canvasfit/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// limitedRoutes render images or queue work; everything else is free.
var limitedRoutes = map[string]bool{
	"POST /convert": true,
	"POST /v1/jobs": true,
}

func shouldRateLimit(r *http.Request) bool {
	return limitedRoutes[r.Method+" "+r.URL.Path]
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		route := routeLabel(r.URL.Path)
		subject := s.rateLimitSubject(r) + ":" + route
		decision, err := s.rateLimiter.Allow(r.Context(), subject)
		if err != nil {
			// Fail open.
			s.logger.Printf("rate limit check skipped subject=%s err=%v", subject, err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if !decision.Allowed {
			s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds up so clients never retry too early.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// rateLimitSubject identifies the caller: the configured user header, then
// the form session cookie, then the client address.
func (s *Server) rateLimitSubject(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader)); user != "" {
		return "user:" + user
	}
	if id := s.sessionID(nil, r, false); id != "" {
		return "session:" + id
	}
	if host := clientHost(r.RemoteAddr); host != "" {
		return "ip:" + host
	}
	return "anonymous"
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return ""
	}
	return host
}
