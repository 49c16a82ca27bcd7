// Package middleware contains HTTP middleware for the formvault API.
package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"formvault/pkg/api"
)

// limiterTTL bounds how long an idle per-user limiter is kept around.
const limiterTTL = 5 * time.Minute

// RateLimit limits job-creating requests per user. The user id comes from
// the request itself (query or form value); unauthenticated callers fall
// back to a per-address limiter.
func RateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limiters := sync.Map{} // key -> *cachedLimiter

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Query().Get("userId")
			if key == "" {
				key = r.FormValue("userId")
			}
			if key == "" {
				key = r.RemoteAddr
			}

			limiter := getOrCreateLimiter(&limiters, key, perSecond, burst)
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(api.ErrorResponse{
					Error: "Too many requests",
					Code:  "429",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func getOrCreateLimiter(limiters *sync.Map, key string, perSecond float64, burst int) *rate.Limiter {
	if cached, ok := limiters.Load(key); ok {
		c := cached.(*cachedLimiter)
		if time.Now().Before(c.expiresAt) {
			return c.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(limiterTTL),
	})
	return limiter
}
