package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware enforces a local token-bucket limit on the
// wrapped routes. The daemon is single-tenant, so one shared bucket is
// enough and no per-caller key is needed.
func RateLimitMiddleware(limiter *rate.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := 1
			if limit := float64(limiter.Limit()); limit > 0 {
				retryAfter = int(math.Ceil(1 / limit))
			}

			logger.Warn("rate limit exceeded",
				zap.String("path", r.URL.Path),
				zap.Int("retry_after_seconds", retryAfter),
			)

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(ErrorResponse{
				Type:   "rate_limit_exceeded",
				Title:  "Too Many Requests",
				Status: http.StatusTooManyRequests,
				Detail: "Rate limit exceeded. Please retry after the specified time.",
			})
		})
	}
}
